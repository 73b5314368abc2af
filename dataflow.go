package meridian

import (
	"encoding/json"
	"fmt"
)

// DataflowID identifies an installed dataflow. Ids are derived from the
// target object so that reinstalling the dataflow for an object is
// naturally idempotent.
type DataflowID string

// NewDataflowID returns the dataflow id for the dataflow maintaining
// target.
func NewDataflowID(target GlobalID) DataflowID {
	return DataflowID(fmt.Sprintf("df%d", uint64(target)))
}

func (id DataflowID) String() string {
	return string(id)
}

// DataflowIDs is a sortable slice of DataflowID.
type DataflowIDs []DataflowID

func (ids DataflowIDs) Len() int           { return len(ids) }
func (ids DataflowIDs) Less(i, j int) bool { return ids[i] < ids[j] }
func (ids DataflowIDs) Swap(i, j int)      { ids[i], ids[j] = ids[j], ids[i] }

// DataflowDescription is what the plan compiler hands the coordinator: an
// opaque plan plus the id bookkeeping the coordinator actually uses. The
// engine starts reading every input at AsOf.
type DataflowDescription struct {
	ID     DataflowID      `json:"id"`
	Target GlobalID        `json:"target"`
	Inputs GlobalIDs       `json:"inputs"`
	Plan   json.RawMessage `json:"plan,omitempty"`
	AsOf   Timestamp       `json:"asOf"`
}

// DataflowStatus is the lifecycle state the engine reports for a dataflow.
type DataflowStatus string

const (
	DataflowStatusPending DataflowStatus = "pending"
	DataflowStatusReady   DataflowStatus = "ready"
	DataflowStatusFailed  DataflowStatus = "failed"
	DataflowStatusDropped DataflowStatus = "dropped"
)

// DataflowAck is the engine's asynchronous acknowledgment of a create or
// drop command. Acks for a single dataflow id arrive in order; nothing is
// assumed across ids.
type DataflowAck struct {
	DataflowID DataflowID     `json:"dataflowId"`
	Status     DataflowStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
}

// UpperAdvance reports that an object has fully written everything below
// Upper. Sources report these through their watermark pollers; the engine
// reports them for the dataflows it runs.
type UpperAdvance struct {
	ObjectID GlobalID  `json:"objectId"`
	Upper    Timestamp `json:"upper"`
}

// SinceConfirm is the engine's confirmation that it has discarded history
// below Since for an object, in response to an allow-compaction command.
type SinceConfirm struct {
	ObjectID GlobalID  `json:"objectId"`
	Since    Timestamp `json:"since"`
}

// PeekRequest asks the engine for the contents of an object at exactly
// one timestamp. The engine answers asynchronously with a PeekResult
// carrying the same id.
type PeekRequest struct {
	PeekID    PeekID          `json:"peekId"`
	ObjectID  GlobalID        `json:"objectId"`
	Timestamp Timestamp       `json:"timestamp"`
	Plan      json.RawMessage `json:"plan,omitempty"`
}

// PeekResult carries the outcome of a dispatched peek back into the
// coordinator. Rows stay opaque all the way through.
type PeekResult struct {
	PeekID PeekID          `json:"peekId"`
	Rows   json.RawMessage `json:"rows,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CompactionCommand tells the engine it may discard history below Since
// for an object. The engine confirms with a SinceConfirm once done.
// Dataflow names the dataflow the command is for; an object's history is
// held both by its own dataflow and by every dataflow reading it, and
// each gets its own command.
type CompactionCommand struct {
	Dataflow DataflowID `json:"dataflow,omitempty"`
	ObjectID GlobalID   `json:"objectId"`
	Since    Timestamp  `json:"since"`
}

// DropDataflowCommand tells the engine to tear a dataflow down.
type DropDataflowCommand struct {
	ID DataflowID `json:"id"`
}

// InsertCommand appends rows to a table at exactly Timestamp. Once the
// engine applies it, the table's upper advances past the write.
type InsertCommand struct {
	ObjectID  GlobalID        `json:"objectId"`
	Timestamp Timestamp       `json:"timestamp"`
	Rows      json.RawMessage `json:"rows,omitempty"`
}
