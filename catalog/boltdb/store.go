// Package boltdb contains the boltdb implementation of the catalog
// Store interface.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/boltdb"
	"github.com/meridiandb/meridian/catalog"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

// txRetry is the number of times a store transaction is retried on
// conflict before giving up.
const txRetry = 5

var (
	bucketLog       = boltdb.Bucket("cataloglog")
	bucketSnapshots = boltdb.Bucket("catalogsnapshots")
)

// StoreBuckets defines the buckets used by this package. It can be used
// during setup to create the buckets ahead of time.
var StoreBuckets []boltdb.Bucket = []boltdb.Bucket{
	bucketLog,
	bucketSnapshots,
}

// keyCurrent is the single key under which the latest compacted
// snapshot lives.
var keyCurrent = []byte("current")

// Ensure type implements interface.
var _ catalog.Store = (*Store)(nil)

// Store persists the catalog transaction log and its compacted
// snapshots through a Transactor backed by a bolt database. Durability
// comes from bolt itself: Append returns only after the record's
// transaction has synced.
type Store struct {
	trans meridian.Transactor

	logger logger.Logger
}

// NewStore returns a new instance of Store with default values.
func NewStore(trans meridian.Transactor, logger logger.Logger) *Store {
	return &Store{
		trans:  trans,
		logger: logger,
	}
}

// Append durably writes one committed transaction to the log.
func (s *Store) Append(ctx context.Context, rec catalog.LogRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshalling log record to json")
	}

	fn := func(tx meridian.Transaction, writable bool) error {
		txx, ok := tx.(*boltdb.Tx)
		if !ok {
			return meridian.NewErrInvalidTransaction("boltdb.Tx")
		}

		bkt := txx.Bucket(bucketLog)
		if bkt == nil {
			return errors.Errorf(boltdb.ErrFmtBucketNotFound, bucketLog)
		}

		key := seqKey(rec.Seq)
		if bkt.Get(key) != nil {
			return errors.Errorf("log record %d already exists", rec.Seq)
		}

		return errors.Wrap(bkt.Put(key, val), "putting log record")
	}

	if err := meridian.RetryWithTx(ctx, s.trans, fn, true, txRetry); err != nil {
		return errors.Wrap(err, "retry with tx: append")
	}
	return nil
}

// WriteSnapshot durably writes a compacted snapshot and deletes the log
// records it subsumes, in one transaction.
func (s *Store) WriteSnapshot(ctx context.Context, rec catalog.SnapshotRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshalling snapshot to json")
	}

	fn := func(tx meridian.Transaction, writable bool) error {
		txx, ok := tx.(*boltdb.Tx)
		if !ok {
			return meridian.NewErrInvalidTransaction("boltdb.Tx")
		}

		bkt := txx.Bucket(bucketSnapshots)
		if bkt == nil {
			return errors.Errorf(boltdb.ErrFmtBucketNotFound, bucketSnapshots)
		}
		if err := bkt.Put(keyCurrent, val); err != nil {
			return errors.Wrap(err, "putting snapshot")
		}

		logBkt := txx.Bucket(bucketLog)
		if logBkt == nil {
			return errors.Errorf(boltdb.ErrFmtBucketNotFound, bucketLog)
		}

		// Collect the subsumed keys first; cursor memory is only valid
		// until the next mutation.
		var stale [][]byte
		c := logBkt.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seq, err := keySeq(k)
			if err != nil {
				return errors.Wrap(err, "reading log key")
			}
			if seq > rec.Seq {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := logBkt.Delete(k); err != nil {
				return errors.Wrap(err, "truncating log")
			}
		}
		return nil
	}

	if err := meridian.RetryWithTx(ctx, s.trans, fn, true, txRetry); err != nil {
		return errors.Wrap(err, "retry with tx: snapshot")
	}
	return nil
}

// Load returns the latest snapshot, or nil when none has been taken,
// plus every log record after it in sequence order.
func (s *Store) Load(ctx context.Context) (*catalog.SnapshotRecord, []catalog.LogRecord, error) {
	var snap *catalog.SnapshotRecord
	var recs []catalog.LogRecord

	fn := func(tx meridian.Transaction, writable bool) error {
		txx, ok := tx.(*boltdb.Tx)
		if !ok {
			return meridian.NewErrInvalidTransaction("boltdb.Tx")
		}

		// A retried fn starts over.
		snap, recs = nil, nil

		bkt := txx.Bucket(bucketSnapshots)
		if bkt == nil {
			return errors.Errorf(boltdb.ErrFmtBucketNotFound, bucketSnapshots)
		}
		if b := bkt.Get(keyCurrent); b != nil {
			snap = &catalog.SnapshotRecord{}
			if err := json.Unmarshal(b, snap); err != nil {
				return errors.Wrap(err, "unmarshalling snapshot json")
			}
		}

		var after uint64
		if snap != nil {
			after = snap.Seq
		}

		logBkt := txx.Bucket(bucketLog)
		if logBkt == nil {
			return errors.Errorf(boltdb.ErrFmtBucketNotFound, bucketLog)
		}

		c := logBkt.Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			if v == nil {
				s.logger.Printf("nil value for key: %x", k)
				continue
			}

			var rec catalog.LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "unmarshalling log record json")
			}
			recs = append(recs, rec)
		}
		return nil
	}

	if err := meridian.RetryWithTx(ctx, s.trans, fn, false, txRetry); err != nil {
		return nil, nil, errors.Wrap(err, "retry with tx: load")
	}
	return snap, recs, nil
}

// seqKey returns the log key for a sequence number. Keys are big-endian
// so the cursor walks them in sequence order.
func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// keySeq gets the sequence number out of a log key.
func keySeq(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, errors.New(errors.ErrUncoded, "log key format expected: 8 byte big-endian sequence")
	}
	return binary.BigEndian.Uint64(key), nil
}
