package coordinator

import (
	"encoding/json"

	"github.com/meridiandb/meridian"
)

// event is one unit of work for the sequencer loop. Everything that
// mutates coordinator state arrives as an event on one ordered queue
// and is handled strictly one at a time; that serialization is what
// holds the catalog and frontier invariants together without locks.
type event interface {
	isEvent()
}

// statementEvent is a client statement waiting for a reply. The loop
// answers on done exactly once, either inline or when an asynchronous
// completion re-enters the loop.
type statementEvent struct {
	sessionID meridian.SessionID
	stmt      *meridian.Statement
	done      chan *reply
}

// sessionEvent is a session control action: begin, commit, rollback, or
// close.
type sessionEvent struct {
	sessionID meridian.SessionID
	action    sessionAction
	done      chan *reply
}

type sessionAction string

const (
	sessionBegin    sessionAction = "begin"
	sessionCommit   sessionAction = "commit"
	sessionRollback sessionAction = "rollback"
	sessionClose    sessionAction = "close"
)

// cancelEvent cancels a session's in-flight work. It carries no done
// channel: cancellation is acknowledged by the cancelled work itself.
type cancelEvent struct {
	sessionID meridian.SessionID
}

// ackEvent is the engine's acknowledgment of a dataflow command.
type ackEvent struct {
	ack meridian.DataflowAck
}

// upperEvent is a frontier-advance report from the engine or a source
// watermark poller.
type upperEvent struct {
	adv meridian.UpperAdvance
}

// sinceConfirmEvent is the engine's confirmation that it compacted an
// object's history.
type sinceConfirmEvent struct {
	conf meridian.SinceConfirm
}

// peekResultEvent carries a finished peek back to its session.
type peekResultEvent struct {
	res meridian.PeekResult
}

// registerEvent replaces the engine worker fleet.
type registerEvent struct {
	addrs []meridian.Address
	done  chan *reply
}

// funcEvent re-enters the loop with the continuation of an asynchronous
// operation (catalog durability, engine dispatch, timers).
type funcEvent struct {
	fn func()
}

// inspectEvent reads a consistent view of loop-owned state.
type inspectEvent struct {
	done chan *Status
}

func (statementEvent) isEvent()    {}
func (sessionEvent) isEvent()      {}
func (cancelEvent) isEvent()       {}
func (ackEvent) isEvent()          {}
func (upperEvent) isEvent()        {}
func (sinceConfirmEvent) isEvent() {}
func (peekResultEvent) isEvent()   {}
func (registerEvent) isEvent()     {}
func (funcEvent) isEvent()         {}
func (inspectEvent) isEvent()      {}

// reply is what a waiting caller gets back.
type reply struct {
	result *Result
	err    error
}

// Result is the successful outcome of one statement.
type Result struct {
	// Timestamp is the read or write timestamp the statement ran at,
	// when it ran at one.
	Timestamp meridian.Timestamp `json:"timestamp,omitempty"`

	// Object is the catalog object a DDL statement created, renamed, or
	// resolved.
	Object *meridian.Object `json:"object,omitempty"`

	// Dropped lists what a drop statement removed, in drop order.
	Dropped meridian.ObjectNames `json:"dropped,omitempty"`

	// Rows carries peek results, opaque to the coordinator.
	Rows json.RawMessage `json:"rows,omitempty"`

	// PeekID identifies the standing read a subscribe statement
	// established.
	PeekID meridian.PeekID `json:"peekId,omitempty"`
}
