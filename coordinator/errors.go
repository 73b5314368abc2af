package coordinator

import (
	"fmt"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
)

const (
	ErrCoordinatorStopped    errors.Code = "CoordinatorStopped"
	ErrSessionBusy           errors.Code = "SessionBusy"
	ErrTransactionInProgress errors.Code = "TransactionInProgress"
	ErrNoActiveTransaction   errors.Code = "NoActiveTransaction"
)

func NewErrCoordinatorStopped() error {
	return errors.New(
		ErrCoordinatorStopped,
		"coordinator is stopped",
	)
}

func NewErrSessionBusy(id meridian.SessionID) error {
	return errors.New(
		ErrSessionBusy,
		fmt.Sprintf("session %s already has a statement in flight", id),
	)
}

func NewErrTransactionInProgress(id meridian.SessionID) error {
	return errors.New(
		ErrTransactionInProgress,
		fmt.Sprintf("session %s already has a transaction in progress", id),
	)
}

func NewErrNoActiveTransaction(id meridian.SessionID) error {
	return errors.New(
		ErrNoActiveTransaction,
		fmt.Sprintf("session %s has no active transaction", id),
	)
}
