package meridian

import (
	"fmt"

	"github.com/meridiandb/meridian/errors"
)

const (
	ErrNameCollision         errors.Code = "NameCollision"
	ErrDependentObjectsExist errors.Code = "DependentObjectsExist"
	ErrUnknownObject         errors.Code = "UnknownObject"
	ErrInvalidTimestamp      errors.Code = "InvalidTimestamp"
	ErrCatalogDurability     errors.Code = "CatalogDurabilityFailure"
	ErrDataflowInstallation  errors.Code = "DataflowInstallationFailure"
	ErrEngineUnresponsive    errors.Code = "EngineUnresponsive"
	ErrObjectInoperable      errors.Code = "ObjectInoperable"

	ErrInvalidConnector        errors.Code = "InvalidConnector"
	ErrInvalidCompactionWindow errors.Code = "InvalidCompactionWindow"
	ErrInvalidStatement        errors.Code = "InvalidStatement"
	ErrTransactionConflict     errors.Code = "TransactionConflict"
	ErrInvalidTransaction      errors.Code = "InvalidTransaction"
)

// The following are helper functions for constructing coded errors
// containing relevant information about the specific error.

func NewErrNameCollision(name ObjectName) error {
	return errors.New(
		ErrNameCollision,
		fmt.Sprintf("object name '%s' already exists", name),
	)
}

func NewErrDependentObjectsExist(name ObjectName, dependents ObjectNames) error {
	return errors.New(
		ErrDependentObjectsExist,
		fmt.Sprintf("object '%s' is still depended on by %v", name, dependents),
	)
}

func NewErrObjectInUse(name ObjectName, readers int) error {
	return errors.New(
		ErrDependentObjectsExist,
		fmt.Sprintf("object '%s' has %d active readers holding its history", name, readers),
	)
}

func NewErrUnknownObject(name ObjectName) error {
	return errors.New(
		ErrUnknownObject,
		fmt.Sprintf("object '%s' does not exist", name),
	)
}

func NewErrUnknownObjectID(id GlobalID) error {
	return errors.New(
		ErrUnknownObject,
		fmt.Sprintf("object id '%d' does not exist", uint64(id)),
	)
}

func NewErrTimestampBelowSince(id GlobalID, ts Timestamp, since Timestamp) error {
	return errors.New(
		ErrInvalidTimestamp,
		fmt.Sprintf("timestamp %d on object %d is below since %d", uint64(ts), uint64(id), uint64(since)),
	)
}

func NewErrUpperStalled(id GlobalID) error {
	return errors.New(
		ErrInvalidTimestamp,
		fmt.Sprintf("object %d has no readable times; its upper cannot advance", uint64(id)),
	)
}

func NewErrCatalogDurability(err error) error {
	return errors.New(
		ErrCatalogDurability,
		fmt.Sprintf("catalog commit could not be made durable: %v", err),
	)
}

func NewErrDataflowInstallation(id DataflowID, reason string) error {
	return errors.New(
		ErrDataflowInstallation,
		fmt.Sprintf("dataflow '%s' failed to install: %s", id, reason),
	)
}

func NewErrEngineUnresponsive(addr Address) error {
	return errors.New(
		ErrEngineUnresponsive,
		fmt.Sprintf("engine at '%s' did not acknowledge in time", addr),
	)
}

func NewErrObjectInoperable(name ObjectName, reason string) error {
	return errors.New(
		ErrObjectInoperable,
		fmt.Sprintf("object '%s' is inoperable: %s", name, reason),
	)
}

func NewErrInvalidConnector(kind ConnectorKind, reason string) error {
	return errors.New(
		ErrInvalidConnector,
		fmt.Sprintf("invalid '%s' connector: %s", kind, reason),
	)
}

func NewErrInvalidCompactionWindow(window string) error {
	return errors.New(
		ErrInvalidCompactionWindow,
		fmt.Sprintf("compaction window '%s' is not 'off' or a duration", window),
	)
}

func NewErrInvalidStatement(kind string, reason string) error {
	return errors.New(
		ErrInvalidStatement,
		fmt.Sprintf("invalid '%s' statement: %s", kind, reason),
	)
}

func NewErrTransactionConflict() error {
	return errors.New(
		ErrTransactionConflict,
		"transaction conflicted and should be retried",
	)
}

func NewErrInvalidTransaction(expected string) error {
	return errors.New(
		ErrInvalidTransaction,
		fmt.Sprintf("transaction type invalid, expected %s", expected),
	)
}
