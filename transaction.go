package meridian

import (
	"context"

	"github.com/meridiandb/meridian/errors"
)

type Transaction interface {
	Commit() error
	Context() context.Context
	Rollback() error
}

// Transactor is anything which can begin transactions against some
// underlying store.
type Transactor interface {
	// Start is useful for Transactor implementations which need to
	// establish a connection. We don't want to do that in the
	// NewImplementation() function; we want that to happen upon Start().
	Start() error

	BeginTx(ctx context.Context, writable bool) (Transaction, error)
	Close() error
}

// RetryWithTx runs fn in a transaction from trans, committing on success.
// A conflict error from fn, or a failed commit, rolls back and retries up
// to retries times; any other error from fn surfaces immediately, since
// retrying a domain error would just repeat it. Read-only transactions
// are rolled back rather than committed; some stores refuse a commit on
// a read transaction.
func RetryWithTx(ctx context.Context, trans Transactor, fn func(tx Transaction, writable bool) error, writable bool, retries int) error {
	var err error
	for i := 0; i <= retries; i++ {
		var tx Transaction
		tx, err = trans.BeginTx(ctx, writable)
		if err != nil {
			return errors.Wrap(err, "beginning tx")
		}

		if err = fn(tx, writable); err != nil {
			_ = tx.Rollback()
			if errors.Is(err, ErrTransactionConflict) {
				continue
			}
			return err
		}

		if !writable {
			return errors.Wrap(tx.Rollback(), "closing read tx")
		}

		if err = tx.Commit(); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "retrying transaction %d times", retries)
}
