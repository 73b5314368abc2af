// Package catalog implements the coordinator's catalog: the authoritative
// set of sources, tables, views, indexes, and sinks, their dependency
// graph, and its durable form as an append-only transaction log with
// periodic compacted snapshots.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/stats"
)

// defaultSnapshotEvery is how many committed transactions accumulate in
// the log before the catalog writes a compacted snapshot.
const defaultSnapshotEvery = 128

type Config struct {
	Store Store

	// SnapshotEvery overrides how often the log is compacted into a
	// snapshot. Zero means the default.
	SnapshotEvery int

	Stats  stats.StatsClient
	Logger logger.Logger
}

// Catalog owns the committed snapshot and the durable store behind it.
// All mutation goes through Begin/Commit on the sequencer; Snapshot is
// safe to call from anywhere.
type Catalog struct {
	mu       sync.RWMutex
	snapshot *Snapshot

	store Store

	seq             uint64
	nextID          uint64
	lastSnapshotSeq uint64
	snapshotEvery   int

	stats  stats.StatsClient
	logger logger.Logger
}

// New returns a new Catalog on the given store. Call Load before use.
func New(cfg Config) *Catalog {
	c := &Catalog{
		snapshot:      emptySnapshot(),
		store:         cfg.Store,
		nextID:        1,
		snapshotEvery: cfg.SnapshotEvery,
		stats:         cfg.Stats,
		logger:        cfg.Logger,
	}
	if c.snapshotEvery <= 0 {
		c.snapshotEvery = defaultSnapshotEvery
	}
	if c.stats == nil {
		c.stats = stats.NopStatsClient
	}
	if c.logger == nil {
		c.logger = logger.NopLogger
	}
	return c
}

// Load rehydrates the catalog from the store: the latest compacted
// snapshot, then every later log record strictly in sequence order.
func (c *Catalog) Load(ctx context.Context) error {
	snap, logs, err := c.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading catalog store")
	}

	view := emptySnapshot()
	var seq uint64
	nextID := uint64(1)

	if snap != nil {
		for _, obj := range snap.Objects {
			view = view.withObject(obj)
		}
		seq = snap.Seq
		nextID = snap.NextID
	}

	for _, rec := range logs {
		if rec.Seq != seq+1 {
			return errors.Errorf("catalog log gap: replayed through %d, next record is %d", seq, rec.Seq)
		}
		for _, op := range rec.Ops {
			view, nextID, err = applyOp(view, nextID, op)
			if err != nil {
				return errors.Wrapf(err, "replaying log record %d", rec.Seq)
			}
		}
		seq = rec.Seq
	}

	c.mu.Lock()
	c.snapshot = view
	c.mu.Unlock()
	c.seq = seq
	c.nextID = nextID
	c.lastSnapshotSeq = seq

	c.logger.Printf("catalog loaded: %d objects, sequence %d", view.Len(), seq)
	return nil
}

// applyOp replays one logged operation. The log is trusted; a record
// that does not apply means the store is corrupt.
func applyOp(view *Snapshot, nextID uint64, op Op) (*Snapshot, uint64, error) {
	switch op.Kind {
	case OpCreate:
		if op.Object == nil {
			return nil, 0, errors.New(errors.ErrUncoded, "create op with no object")
		}
		if uint64(op.Object.ID) >= nextID {
			nextID = uint64(op.Object.ID) + 1
		}
		return view.withObject(op.Object), nextID, nil

	case OpDrop:
		obj, ok := view.Object(op.ObjectID)
		if !ok {
			return nil, 0, errors.Errorf("drop op for unknown object %d", uint64(op.ObjectID))
		}
		return view.withoutObject(obj), nextID, nil

	case OpRename:
		obj, ok := view.Object(op.ObjectID)
		if !ok {
			return nil, 0, errors.Errorf("rename op for unknown object %d", uint64(op.ObjectID))
		}
		renamed := obj.Copy()
		renamed.Name = op.To
		return view.withRename(renamed, obj.Name), nextID, nil
	}

	return nil, 0, errors.Errorf("unknown op kind %q", op.Kind)
}

// Snapshot returns the committed snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Sequence returns the sequence number of the last committed
// transaction.
func (c *Catalog) Sequence() uint64 {
	return c.seq
}

// Begin returns a transaction overlaid on the committed snapshot.
func (c *Catalog) Begin() *Txn {
	return &Txn{
		view:   c.Snapshot(),
		nextID: c.nextID,
	}
}

// Commit durably appends the transaction's operations, then swaps the
// committed snapshot. A durability failure leaves the in-memory catalog
// untouched; callers treat it as fatal since further commits could not
// be trusted either.
func (c *Catalog) Commit(ctx context.Context, tx *Txn) error {
	if tx.Empty() {
		return nil
	}

	rec := LogRecord{
		Seq:         c.seq + 1,
		Ops:         tx.ops,
		CommittedAt: timestamp(),
	}
	if err := c.store.Append(ctx, rec); err != nil {
		return meridian.NewErrCatalogDurability(err)
	}

	c.seq = rec.Seq
	c.nextID = tx.nextID
	c.mu.Lock()
	c.snapshot = tx.view
	c.mu.Unlock()

	c.maybeSnapshot(ctx)
	return nil
}

// maybeSnapshot compacts the log into a snapshot once enough
// transactions have accumulated. Failure is not fatal: the log is
// intact, so nothing committed is at risk, and the next commit retries.
func (c *Catalog) maybeSnapshot(ctx context.Context) {
	if c.seq-c.lastSnapshotSeq < uint64(c.snapshotEvery) {
		return
	}

	rec := SnapshotRecord{
		Seq:     c.seq,
		NextID:  c.nextID,
		Objects: c.Snapshot().Objects(),
		TakenAt: timestamp(),
	}
	if err := c.store.WriteSnapshot(ctx, rec); err != nil {
		c.logger.Warnf("writing catalog snapshot at sequence %d: %v", c.seq, err)
		return
	}
	c.lastSnapshotSeq = c.seq
	c.stats.Count(meridian.MetricCatalogSnapshot, 1, 1.0)
	c.logger.Debugf("catalog snapshot written at sequence %d", c.seq)
}

// MarkInoperable flags an object whose backing dataflow could not be
// reconstructed. The flag is runtime state, not catalog history: it is
// never logged, and a later successful install clears it.
func (c *Catalog) MarkInoperable(id meridian.GlobalID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.snapshot.Object(id)
	if !ok || (obj.Inoperable && obj.InoperableReason == reason) {
		return
	}
	marked := obj.Copy()
	marked.Inoperable = true
	marked.InoperableReason = reason
	c.snapshot = c.snapshot.withReplaced(marked)

	c.logger.Warnf("%s marked inoperable: %s", obj, reason)
}

// ClearInoperable removes the inoperable flag from an object.
func (c *Catalog) ClearInoperable(id meridian.GlobalID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.snapshot.Object(id)
	if !ok || !obj.Inoperable {
		return
	}
	cleared := obj.Copy()
	cleared.Inoperable = false
	cleared.InoperableReason = ""
	c.snapshot = c.snapshot.withReplaced(cleared)
}

func timestamp() int64 {
	return time.Now().UnixNano()
}
