// Package engine defines the coordinator's command interface to the
// execution engine fleet.
package engine

import (
	"context"

	"github.com/meridiandb/meridian"
)

// Engine sends commands to the execution engine. Commands are
// fire-and-forget at this layer: outcomes come back asynchronously as
// dataflow acks, frontier reports, and peek results on the
// coordinator's event queue. Implementations must be safe for
// concurrent use; the coordinator dispatches commands off its loop.
type Engine interface {
	// CreateDataflow installs a dataflow. Install is idempotent per
	// dataflow id.
	CreateDataflow(ctx context.Context, desc meridian.DataflowDescription) error

	// DropDataflow tears a dataflow down.
	DropDataflow(ctx context.Context, id meridian.DataflowID) error

	// AllowCompaction lets the engine discard history below the command's
	// since for one object.
	AllowCompaction(ctx context.Context, cmd meridian.CompactionCommand) error

	// Peek asks for the contents of an object at one timestamp.
	Peek(ctx context.Context, req meridian.PeekRequest) error

	// CancelPeek is a best-effort cancel of a dispatched peek. The engine
	// may answer the peek anyway.
	CancelPeek(ctx context.Context, id meridian.PeekID) error

	// Insert appends rows to a table at the command's timestamp.
	Insert(ctx context.Context, cmd meridian.InsertCommand) error
}

// AddressSetter is implemented by engines whose worker fleet can be
// replaced at runtime, as workers register and leave.
type AddressSetter interface {
	SetAddresses(addrs []meridian.Address)
}

// NopEngine is an Engine that accepts every command and does nothing.
// Useful for wiring a coordinator without a fleet, and in tests.
var NopEngine Engine = &nopEngine{}

type nopEngine struct{}

func (n *nopEngine) CreateDataflow(ctx context.Context, desc meridian.DataflowDescription) error {
	return nil
}
func (n *nopEngine) DropDataflow(ctx context.Context, id meridian.DataflowID) error { return nil }
func (n *nopEngine) AllowCompaction(ctx context.Context, cmd meridian.CompactionCommand) error {
	return nil
}
func (n *nopEngine) Peek(ctx context.Context, req meridian.PeekRequest) error { return nil }
func (n *nopEngine) CancelPeek(ctx context.Context, id meridian.PeekID) error { return nil }
func (n *nopEngine) Insert(ctx context.Context, cmd meridian.InsertCommand) error {
	return nil
}
