// Package frontier tracks the (since, upper) pair of every trackable
// object, the read holds pinning since in place, and the waiter lists
// woken when an upper advances. It is a pure data structure: the
// coordinator's event loop is its only caller, so nothing here locks.
package frontier

import (
	"fmt"
	"sort"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

// Policy decides how much history an object retains beyond what its holds
// require. Floor returns the oldest timestamp worth keeping for an object
// whose upper sits at the given value; holds can pin since below the
// floor, never above it.
type Policy interface {
	Floor(upper meridian.Timestamp) meridian.Timestamp
}

// LagPolicy retains a fixed window of logical time behind upper.
type LagPolicy struct {
	Lag uint64
}

func (p LagPolicy) Floor(upper meridian.Timestamp) meridian.Timestamp {
	if uint64(upper) <= p.Lag {
		return meridian.MinTimestamp
	}
	return upper - meridian.Timestamp(p.Lag)
}

// PinPolicy never lets since advance; it implements the "off" compaction
// window.
type PinPolicy struct{}

func (PinPolicy) Floor(upper meridian.Timestamp) meridian.Timestamp {
	return meridian.MinTimestamp
}

// Waiter is a parked read waiting for an object's upper to reach MinUpper.
// Fn re-enters the coordinator loop as an ordinary event; dropped is true
// when the object went away instead of advancing.
type Waiter struct {
	MinUpper meridian.Timestamp
	Fn       func(dropped bool)
}

type entry struct {
	frontier meridian.Frontier
	policy   Policy

	// holds is a multiset: distinct reads may hold the same timestamp.
	holds map[meridian.Timestamp]int

	waiters []Waiter
}

// Config holds the tracker dependencies.
type Config struct {
	// DefaultPolicy applies to objects tracked without an override.
	DefaultPolicy Policy

	Logger logger.Logger
}

// Tracker owns the frontier table. All methods assume a single caller.
type Tracker struct {
	entries map[meridian.GlobalID]*entry

	defaultPolicy Policy

	// OnSinceAdvance fires after an object's since actually moves, with
	// the new value. The dataflow lifecycle manager propagates it as
	// allow-compaction commands. Never fired while the move is pending.
	OnSinceAdvance func(id meridian.GlobalID, since meridian.Timestamp)

	logger logger.Logger
}

// New returns a Tracker with no tracked objects.
func New(cfg Config) *Tracker {
	t := &Tracker{
		entries:       make(map[meridian.GlobalID]*entry),
		defaultPolicy: cfg.DefaultPolicy,
		logger:        logger.NopLogger,
	}
	if t.defaultPolicy == nil {
		t.defaultPolicy = LagPolicy{Lag: 1}
	}
	if cfg.Logger != nil {
		t.logger = cfg.Logger
	}
	return t
}

// Track begins tracking id at the minimum frontier. A nil policy takes
// the tracker default. Tracking an already tracked id is an error; the
// catalog guarantees ids are never reused.
func (t *Tracker) Track(id meridian.GlobalID, policy Policy) error {
	if _, ok := t.entries[id]; ok {
		return errors.Errorf("object %d is already tracked", uint64(id))
	}
	if policy == nil {
		policy = t.defaultPolicy
	}
	t.entries[id] = &entry{
		frontier: meridian.NewFrontier(),
		policy:   policy,
		holds:    make(map[meridian.Timestamp]int),
	}
	return nil
}

// Drop forgets id and wakes any parked waiters with dropped=true so the
// reads they represent can fail rather than hang.
func (t *Tracker) Drop(id meridian.GlobalID) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	for _, w := range e.waiters {
		w.Fn(true)
	}
}

// Tracked reports whether id is being tracked.
func (t *Tracker) Tracked(id meridian.GlobalID) bool {
	_, ok := t.entries[id]
	return ok
}

// Frontier returns the current frontier for id.
func (t *Tracker) Frontier(id meridian.GlobalID) (meridian.Frontier, bool) {
	e, ok := t.entries[id]
	if !ok {
		return meridian.Frontier{}, false
	}
	return e.frontier, true
}

// Frontiers returns a copy of the whole frontier table.
func (t *Tracker) Frontiers() map[meridian.GlobalID]meridian.Frontier {
	out := make(map[meridian.GlobalID]meridian.Frontier, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.frontier
	}
	return out
}

// AdvanceUpper moves id's upper to newUpper. A stale value is ignored
// rather than erroring; CDC layers redeliver and redeliveries must not
// regress state. On a real advance, parked waiters whose MinUpper is now
// covered wake in registration order, and since is recomputed because the
// policy floor moves with upper.
func (t *Tracker) AdvanceUpper(id meridian.GlobalID, newUpper meridian.Timestamp) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	if newUpper <= e.frontier.Upper {
		return false
	}
	e.frontier.Upper = newUpper

	// Wake satisfied waiters, keeping the rest in order.
	var still []Waiter
	for _, w := range e.waiters {
		if newUpper >= w.MinUpper {
			w.Fn(false)
			continue
		}
		still = append(still, w)
	}
	e.waiters = still

	t.maybeAdvanceSince(id, e)
	return true
}

// AddHold records a read capability on id at ts, guaranteeing since will
// not pass ts until the hold is released.
func (t *Tracker) AddHold(id meridian.GlobalID, ts meridian.Timestamp) error {
	e, ok := t.entries[id]
	if !ok {
		return meridian.NewErrUnknownObjectID(id)
	}
	if ts < e.frontier.Since {
		return meridian.NewErrTimestampBelowSince(id, ts, e.frontier.Since)
	}
	e.holds[ts]++
	return nil
}

// RemoveHold releases one hold on id at ts and recomputes since, which is
// what ultimately lets compaction proceed.
func (t *Tracker) RemoveHold(id meridian.GlobalID, ts meridian.Timestamp) error {
	e, ok := t.entries[id]
	if !ok {
		return meridian.NewErrUnknownObjectID(id)
	}
	n, ok := e.holds[ts]
	if !ok {
		return NewErrHoldNotFound(id, ts)
	}
	if n <= 1 {
		delete(e.holds, ts)
	} else {
		e.holds[ts] = n - 1
	}
	t.maybeAdvanceSince(id, e)
	return nil
}

// Holds returns the outstanding hold timestamps for id, sorted, with
// duplicates for multiply-held timestamps. Mostly for introspection and
// tests.
func (t *Tracker) Holds(id meridian.GlobalID) meridian.Timestamps {
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	var out meridian.Timestamps
	for ts, n := range e.holds {
		for i := 0; i < n; i++ {
			out = append(out, ts)
		}
	}
	sort.Sort(out)
	return out
}

// ComputeSince returns the since id could advance to right now: the
// minimum of every outstanding hold and the policy floor. The current
// since wins when it is already further along, so since never regresses.
func (t *Tracker) ComputeSince(id meridian.GlobalID) (meridian.Timestamp, bool) {
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return t.computeSince(e), true
}

func (t *Tracker) computeSince(e *entry) meridian.Timestamp {
	target := e.policy.Floor(e.frontier.Upper)
	for ts := range e.holds {
		if ts < target {
			target = ts
		}
	}
	if target < e.frontier.Since {
		target = e.frontier.Since
	}
	// Never past upper.
	if target > e.frontier.Upper {
		target = e.frontier.Upper
	}
	return target
}

// maybeAdvanceSince applies a recomputed since and emits the notification
// when it moved.
func (t *Tracker) maybeAdvanceSince(id meridian.GlobalID, e *entry) {
	target := t.computeSince(e)
	if target <= e.frontier.Since {
		return
	}
	e.frontier.Since = target
	t.logger.Debugf("since advanced: object %d to %d", uint64(id), uint64(target))
	if t.OnSinceAdvance != nil {
		t.OnSinceAdvance(id, target)
	}
}

// WaitUpper parks fn until id's upper reaches at least minUpper. When the
// upper is already there the waiter fires on the next advance anyway, so
// callers check the frontier first; that check and this registration are
// atomic from the caller's point of view because the loop owns both.
func (t *Tracker) WaitUpper(id meridian.GlobalID, minUpper meridian.Timestamp, fn func(dropped bool)) error {
	e, ok := t.entries[id]
	if !ok {
		return meridian.NewErrUnknownObjectID(id)
	}
	e.waiters = append(e.waiters, Waiter{MinUpper: minUpper, Fn: fn})
	return nil
}

// Waiting returns the number of parked waiters on id.
func (t *Tracker) Waiting(id meridian.GlobalID) int {
	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	return len(e.waiters)
}

const (
	ErrHoldNotFound errors.Code = "HoldNotFound"
)

func NewErrHoldNotFound(id meridian.GlobalID, ts meridian.Timestamp) error {
	return errors.New(
		ErrHoldNotFound,
		fmt.Sprintf("no hold on object %d at timestamp %d", uint64(id), uint64(ts)),
	)
}
