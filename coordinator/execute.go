package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/catalog"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/oracle"
)

func (c *Coordinator) handleStatement(ev statementEvent) {
	s := c.session(ev.sessionID)
	stmt := ev.stmt

	if stmt.IsDDL() {
		if s.txn != nil {
			ev.done <- &reply{err: meridian.NewErrInvalidStatement(string(stmt.Kind), "DDL is not allowed inside a transaction")}
			return
		}
		c.runExclusive(func() { c.beginDDL(ev) })
		return
	}

	switch stmt.Kind {
	case meridian.StatementInsert:
		c.startInsert(s, ev)
	case meridian.StatementSelect, meridian.StatementSubscribe:
		c.startRead(s, ev)
	default:
		ev.done <- &reply{err: meridian.NewErrInvalidStatement(string(stmt.Kind), "unknown statement kind")}
	}
}

// pendingRead is one read between arrival and reply. It survives any
// number of park/wake rounds; finished guards exactly-once completion
// against the races between results, cancellation, drops, and the
// stall timer.
type pendingRead struct {
	session *sessionState
	kind    meridian.StatementKind
	names   meridian.ObjectNames
	plan    []byte
	asOf    *meridian.Timestamp
	done    chan *reply

	// roots are the named objects, inputs their trackable expansion,
	// both re-resolved on every admission attempt.
	roots  meridian.GlobalIDs
	inputs meridian.GlobalIDs

	// blocking are the objects whose uppers the read is parked on.
	blocking meridian.GlobalIDs

	ts           meridian.Timestamp
	peekID       meridian.PeekID
	holds        []hold
	dispatchedAt time.Time

	waits    int
	timer    *time.Timer
	finished bool
}

func (c *Coordinator) startRead(s *sessionState, ev statementEvent) {
	if s.pending != nil {
		ev.done <- &reply{err: NewErrSessionBusy(s.id)}
		return
	}

	p := &pendingRead{
		session: s,
		kind:    ev.stmt.Kind,
		done:    ev.done,
	}
	switch ev.stmt.Kind {
	case meridian.StatementSelect:
		if s.txn != nil && len(s.txn.writes) > 0 {
			ev.done <- &reply{err: meridian.NewErrInvalidTransaction("read")}
			return
		}
		sel := ev.stmt.Select
		if s.txn != nil && sel.AsOf != nil {
			ev.done <- &reply{err: meridian.NewErrInvalidStatement("select", "AS OF is not allowed inside a transaction")}
			return
		}
		p.names = sel.From
		p.plan = sel.Plan
		p.asOf = sel.AsOf
	case meridian.StatementSubscribe:
		if s.txn != nil {
			ev.done <- &reply{err: meridian.NewErrInvalidStatement("subscribe", "not allowed inside a transaction")}
			return
		}
		sub := ev.stmt.Subscribe
		p.names = meridian.ObjectNames{sub.From}
		p.plan = sub.Plan
	}

	s.pending = p
	c.pickAndRun(p)
}

// pickAndRun resolves the read's inputs and tries to admit it. It runs
// when the statement arrives and again every time the read wakes from a
// park; names re-resolve on each attempt, so a drop or rename between
// park and wake is observed rather than read through.
func (c *Coordinator) pickAndRun(p *pendingRead) {
	snap := c.Catalog.Snapshot()

	roots, inputs, err := c.readSet(snap, p.kind, p.names)
	if err != nil {
		c.failPending(p, err)
		return
	}
	p.roots, p.inputs = roots, inputs

	frontiers, err := c.frontiersFor(inputs)
	if err != nil {
		c.failPending(p, err)
		return
	}

	s := p.session
	switch {
	case s.txn != nil && s.txn.picked:
		// The transaction observes one snapshot: its first read picked
		// the timestamp and every later read runs at it, even when a
		// fresh pick would have chosen newer.
		waits, err := c.oracle.ReadTimestampAt(frontiers, s.txn.ts)
		if err != nil {
			c.failPending(p, err)
			return
		}
		if len(waits) > 0 {
			c.parkRead(p, waits)
			return
		}
		c.admitRead(p, s.txn.ts)

	case p.asOf != nil:
		waits, err := c.oracle.ReadTimestampAt(frontiers, *p.asOf)
		if err != nil {
			c.failPending(p, err)
			return
		}
		if len(waits) > 0 {
			c.parkRead(p, waits)
			return
		}
		c.admitRead(p, *p.asOf)

	default:
		ts, waits := c.oracle.ReadTimestamp(frontiers)
		if len(waits) > 0 {
			c.parkRead(p, waits)
			return
		}
		c.admitRead(p, ts)
	}
}

// readSet resolves the named objects and expands them down to the
// trackable objects the read actually touches. Sinks are terminal and
// unreadable; inoperable inputs refuse the read.
func (c *Coordinator) readSet(snap *catalog.Snapshot, kind meridian.StatementKind, names meridian.ObjectNames) (roots, inputs meridian.GlobalIDs, err error) {
	for _, name := range names {
		obj, ok := snap.ObjectByName(name)
		if !ok {
			return nil, nil, meridian.NewErrUnknownObject(name)
		}
		if obj.Kind == meridian.ObjectKindSink {
			return nil, nil, meridian.NewErrInvalidStatement(string(kind), fmt.Sprintf("cannot read from sink '%s'", name))
		}
		roots = append(roots, obj.ID)
	}

	inputs, err = trackableClosure(snap, roots)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range inputs {
		if obj, ok := snap.Object(id); ok && obj.Inoperable {
			return nil, nil, meridian.NewErrObjectInoperable(obj.Name, obj.InoperableReason)
		}
	}
	return roots, inputs, nil
}

func (c *Coordinator) frontiersFor(ids meridian.GlobalIDs) (map[meridian.GlobalID]meridian.Frontier, error) {
	out := make(map[meridian.GlobalID]meridian.Frontier, len(ids))
	for _, id := range ids {
		f, ok := c.tracker.Frontier(id)
		if !ok {
			return nil, meridian.NewErrUnknownObjectID(id)
		}
		out[id] = f
	}
	return out, nil
}

// parkRead suspends the read until every blocking upper has passed the
// candidate timestamp. No holds are taken while parked; a drop of any
// blocking object wakes the read to fail rather than letting it hang.
func (c *Coordinator) parkRead(p *pendingRead, waits []oracle.Wait) {
	c.stats.Count(meridian.MetricPeekQueued, 1, 1.0)
	p.waits = len(waits)
	p.blocking = p.blocking[:0]
	for _, w := range waits {
		p.blocking = append(p.blocking, w.ObjectID)
		id := w.ObjectID
		if err := c.tracker.WaitUpper(w.ObjectID, w.MinUpper, func(dropped bool) {
			c.readWoken(p, id, dropped)
		}); err != nil {
			c.failPending(p, err)
			return
		}
	}

	// One timer per read, spanning re-parks, so the total wait is what
	// is bounded.
	if c.readTimeout > 0 && p.timer == nil {
		p.timer = time.AfterFunc(c.readTimeout, func() {
			_ = c.enqueue(funcEvent{fn: func() { c.readStalled(p) }})
		})
	}
	c.logger.Debugf("read parked: session %s waiting on %d objects", p.session.id, p.waits)
}

// readWoken runs inside the loop when a blocking upper advances or the
// object is dropped. Once the last wait clears, the read re-picks from
// scratch; the world may have moved while it was parked.
func (c *Coordinator) readWoken(p *pendingRead, id meridian.GlobalID, dropped bool) {
	if p.finished {
		return
	}
	if dropped {
		c.failPending(p, meridian.NewErrUnknownObjectID(id))
		return
	}
	p.waits--
	if p.waits > 0 {
		return
	}
	c.pickAndRun(p)
}

// readStalled fails a read still parked when the stall timeout fires.
func (c *Coordinator) readStalled(p *pendingRead) {
	if p.finished || p.waits == 0 {
		return
	}
	id := meridian.GlobalID(0)
	if len(p.blocking) > 0 {
		id = p.blocking[0]
	} else if len(p.inputs) > 0 {
		id = p.inputs[0]
	}
	c.failPending(p, meridian.NewErrUpperStalled(id))
}

// admitRead takes holds at ts on every input and dispatches the read.
// The holds keep compaction from passing ts while the read runs. For a
// read inside an explicit transaction the holds transfer to the
// transaction and live until it ends.
func (c *Coordinator) admitRead(p *pendingRead, ts meridian.Timestamp) {
	p.ts = ts
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	var taken []hold
	for _, in := range p.inputs {
		if err := c.addReadHold(in, ts); err != nil {
			for _, h := range taken {
				c.releaseReadHold(h)
			}
			c.failPending(p, err)
			return
		}
		taken = append(taken, hold{object: in, ts: ts})
	}

	s := p.session
	if s.txn != nil && p.kind == meridian.StatementSelect {
		if !s.txn.picked {
			s.txn.ts = ts
			s.txn.picked = true
			c.logger.Debugf("transaction timestamp picked: session %s at %d", s.id, uint64(ts))
		}
		s.txn.holds = append(s.txn.holds, taken...)
	} else {
		p.holds = taken
	}

	if p.kind == meridian.StatementSubscribe {
		c.dispatchSubscribe(p)
		return
	}
	c.dispatchPeek(p)
}

func (c *Coordinator) dispatchPeek(p *pendingRead) {
	p.peekID = meridian.NewPeekID()
	p.dispatchedAt = time.Now()
	c.pendingByPeek[p.peekID] = p
	c.stats.Count(meridian.MetricPeek, 1, 1.0)

	req := meridian.PeekRequest{
		PeekID:    p.peekID,
		Timestamp: p.ts,
		Plan:      p.plan,
	}
	if len(p.roots) > 0 {
		req.ObjectID = p.roots[0]
	}
	c.dispatch("dispatching peek "+string(p.peekID), func(ctx context.Context) error {
		return c.Engine.Peek(ctx, req)
	}, func(err error) {
		if err != nil {
			c.finishPending(p, nil, err)
		}
	})
}

// dispatchSubscribe establishes a standing read. The reply confirms
// once the engine accepts the subscription; result batches stream from
// the engine to the client directly, so the loop keeps only the
// subscription and its holds.
func (c *Coordinator) dispatchSubscribe(p *pendingRead) {
	p.peekID = meridian.NewPeekID()

	req := meridian.PeekRequest{
		PeekID:    p.peekID,
		Timestamp: p.ts,
		Plan:      p.plan,
	}
	if len(p.roots) > 0 {
		req.ObjectID = p.roots[0]
	}
	c.dispatch("dispatching subscribe "+string(p.peekID), func(ctx context.Context) error {
		return c.Engine.Peek(ctx, req)
	}, func(err error) {
		if p.finished {
			return
		}
		if err != nil {
			c.finishPending(p, nil, err)
			return
		}
		sub := &subscription{
			peekID:  p.peekID,
			objects: subscriptionObjects(p),
			ts:      p.ts,
			holds:   p.holds,
		}
		p.holds = nil
		p.session.subs[sub.peekID] = sub
		c.finishPending(p, &Result{Timestamp: p.ts, PeekID: sub.peekID}, nil)
	})
}

// subscriptionObjects is the union of the named roots and the expanded
// inputs, so dropping either ends the subscription.
func subscriptionObjects(p *pendingRead) meridian.GlobalIDs {
	seen := make(map[meridian.GlobalID]bool, len(p.roots)+len(p.inputs))
	var out meridian.GlobalIDs
	for _, id := range append(append(meridian.GlobalIDs{}, p.roots...), p.inputs...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) handlePeekResult(res meridian.PeekResult) {
	p, ok := c.pendingByPeek[res.PeekID]
	if !ok {
		// Cancelled, or a subscription batch; nobody on the loop is
		// waiting for it.
		c.logger.Debugf("peek result for unknown peek %s", res.PeekID)
		return
	}
	if res.Error != "" {
		c.finishPending(p, nil, errors.Errorf("peek %s failed: %s", res.PeekID, res.Error))
		return
	}
	if !p.dispatchedAt.IsZero() {
		c.stats.Timing(meridian.MetricPeekSeconds, time.Since(p.dispatchedAt), 1.0)
	}
	c.finishPending(p, &Result{Timestamp: p.ts, Rows: res.Rows}, nil)
}

// finishPending completes a read exactly once: stops its timer,
// releases its holds, unlinks it, and replies.
func (c *Coordinator) finishPending(p *pendingRead, result *Result, err error) {
	if p.finished {
		return
	}
	p.finished = true

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	for _, h := range p.holds {
		c.releaseReadHold(h)
	}
	p.holds = nil
	if p.peekID != "" {
		delete(c.pendingByPeek, p.peekID)
	}
	if p.session.pending == p {
		p.session.pending = nil
	}
	p.done <- &reply{result: result, err: err}
}

func (c *Coordinator) failPending(p *pendingRead, err error) {
	c.finishPending(p, nil, err)
}

// startInsert picks a write timestamp past the table's upper and hands
// the rows to the engine. The table's upper advances when the engine
// reports the write applied, which is what makes a subsequent read wait
// for, then observe, the write. Inside an explicit transaction the
// insert is buffered instead and sent by commitWrites.
func (c *Coordinator) startInsert(s *sessionState, ev statementEvent) {
	ins := ev.stmt.Insert

	snap := c.Catalog.Snapshot()
	obj, ok := snap.ObjectByName(ins.Table)
	if !ok {
		ev.done <- &reply{err: meridian.NewErrUnknownObject(ins.Table)}
		return
	}
	if obj.Kind != meridian.ObjectKindTable {
		ev.done <- &reply{err: meridian.NewErrInvalidStatement("insert", fmt.Sprintf("'%s' is a %s, not a table", obj.Name, obj.Kind))}
		return
	}
	if obj.Inoperable {
		ev.done <- &reply{err: meridian.NewErrObjectInoperable(obj.Name, obj.InoperableReason)}
		return
	}
	f, ok := c.tracker.Frontier(obj.ID)
	if !ok {
		ev.done <- &reply{err: meridian.NewErrUnknownObjectID(obj.ID)}
		return
	}

	if s.txn != nil {
		if s.txn.picked {
			ev.done <- &reply{err: meridian.NewErrInvalidTransaction("write")}
			return
		}
		s.txn.writes = append(s.txn.writes, meridian.InsertCommand{ObjectID: obj.ID, Rows: ins.Rows})
		ev.done <- &reply{result: &Result{}}
		return
	}

	ts := c.oracle.WriteTimestamp(f)
	cmd := meridian.InsertCommand{ObjectID: obj.ID, Timestamp: ts, Rows: ins.Rows}
	c.stats.Count(meridian.MetricInsert, 1, 1.0)
	done := ev.done
	c.dispatch("dispatching insert", func(ctx context.Context) error {
		return c.Engine.Insert(ctx, cmd)
	}, func(err error) {
		if err != nil {
			done <- &reply{err: err}
			return
		}
		done <- &reply{result: &Result{Timestamp: ts}}
	})
}
