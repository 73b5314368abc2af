package catalog

import (
	"context"

	"github.com/meridiandb/meridian"
)

// OpKind enumerates the catalog operations that appear in the durable
// log.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpDrop   OpKind = "drop"
	OpRename OpKind = "rename"
)

// Op is one catalog mutation inside a committed transaction. Create
// carries the full object; drop and rename carry the id (names are only
// for log readability).
type Op struct {
	Kind OpKind `json:"op"`

	Object *meridian.Object `json:"object,omitempty"`

	ObjectID meridian.GlobalID   `json:"objectId,omitempty"`
	Name     meridian.ObjectName `json:"name,omitempty"`
	To       meridian.ObjectName `json:"to,omitempty"`
}

// LogRecord is one committed catalog transaction: a self-describing
// batch of operations tagged with the transaction sequence number.
// Records are replayed strictly in sequence order at boot.
type LogRecord struct {
	Seq         uint64 `json:"seq"`
	Ops         []Op   `json:"ops"`
	CommittedAt int64  `json:"committedAt"`
}

// SnapshotRecord is a compacted image of the catalog at Seq. Log
// records at or below Seq are subsumed and may be discarded. NextID
// rides along so ids stay unique across drops that the compaction
// erased.
type SnapshotRecord struct {
	Seq     uint64           `json:"seq"`
	NextID  uint64           `json:"nextId"`
	Objects meridian.Objects `json:"objects"`
	TakenAt int64            `json:"takenAt"`
}

// Store is the durable side of the catalog: an append-only transaction
// log plus periodic compacted snapshots. Append must not return success
// until the record is on stable storage; Commit relies on that ordering
// to guarantee no acknowledged transaction is lost.
type Store interface {
	// Append durably writes one committed transaction.
	Append(ctx context.Context, rec LogRecord) error

	// WriteSnapshot durably writes a compacted snapshot and discards the
	// log records it subsumes, atomically.
	WriteSnapshot(ctx context.Context, rec SnapshotRecord) error

	// Load returns the latest snapshot (nil when none has been taken)
	// and every log record after it, in sequence order.
	Load(ctx context.Context) (*SnapshotRecord, []LogRecord, error)
}
