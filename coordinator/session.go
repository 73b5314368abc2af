package coordinator

import (
	"context"

	"github.com/meridiandb/meridian"
)

// hold is one read capability: an object pinned at a timestamp.
type hold struct {
	object meridian.GlobalID
	ts     meridian.Timestamp
}

// sessionState is everything the loop tracks per session. Sessions
// materialize on first use and disappear on close.
type sessionState struct {
	id meridian.SessionID

	// txn is non-nil while the session is inside an explicit
	// transaction.
	txn *sessionTxn

	// pending is the session's in-flight read, nil when idle. A session
	// runs one statement at a time.
	pending *pendingRead

	// subs are the session's standing reads, by peek id.
	subs map[meridian.PeekID]*subscription
}

// sessionTxn is an explicit transaction. Its first statement fixes the
// mode: a read picks ts and every later read reuses it, so the whole
// transaction observes one consistent snapshot, with holds keeping that
// snapshot readable until the transaction ends; an insert buffers its
// rows into writes, and commit sends every buffered write at a single
// timestamp. Reads and writes never mix in one transaction.
type sessionTxn struct {
	ts     meridian.Timestamp
	picked bool
	holds  []hold

	writes []meridian.InsertCommand
}

// subscription is a standing read: its holds pin the subscribed
// objects' history from the subscription timestamp until the session
// cancels, disconnects, or the object is dropped.
type subscription struct {
	peekID  meridian.PeekID
	objects meridian.GlobalIDs
	ts      meridian.Timestamp
	holds   []hold
}

// session returns the state for id, creating it on first use.
func (c *Coordinator) session(id meridian.SessionID) *sessionState {
	s, ok := c.sessions[id]
	if !ok {
		s = &sessionState{
			id:   id,
			subs: make(map[meridian.PeekID]*subscription),
		}
		c.sessions[id] = s
	}
	return s
}

func (c *Coordinator) handleSession(ev sessionEvent) {
	s := c.session(ev.sessionID)

	switch ev.action {
	case sessionBegin:
		if s.txn != nil {
			ev.done <- &reply{err: NewErrTransactionInProgress(s.id)}
			return
		}
		s.txn = &sessionTxn{}
		ev.done <- &reply{}

	case sessionCommit:
		if s.txn == nil {
			ev.done <- &reply{err: NewErrNoActiveTransaction(s.id)}
			return
		}
		if len(s.txn.writes) > 0 {
			c.commitWrites(s, ev.done)
			return
		}
		c.endTransaction(s)
		ev.done <- &reply{}

	case sessionRollback:
		if s.txn == nil {
			ev.done <- &reply{err: NewErrNoActiveTransaction(s.id)}
			return
		}
		c.endTransaction(s)
		ev.done <- &reply{}

	case sessionClose:
		c.closeSession(s)
		ev.done <- &reply{}

	default:
		c.logger.Printf("unknown session action %q", ev.action)
		ev.done <- &reply{}
	}
}

// endTransaction releases the transaction's holds, discards any
// uncommitted writes, and clears it. For a read transaction commit and
// rollback are the same operation; only read capabilities were held.
func (c *Coordinator) endTransaction(s *sessionState) {
	for _, h := range s.txn.holds {
		c.releaseReadHold(h)
	}
	s.txn = nil
}

// commitWrites ends a write transaction by sending its buffered inserts
// at one timestamp, so the whole transaction becomes visible at once
// when the engine advances the tables past it. Targets are revalidated
// here; an object dropped since the insert was buffered fails the whole
// commit and nothing is sent.
func (c *Coordinator) commitWrites(s *sessionState, done chan *reply) {
	writes := s.txn.writes
	s.txn = nil

	snap := c.Catalog.Snapshot()
	var maxUpper meridian.Timestamp
	for _, w := range writes {
		obj, ok := snap.Object(w.ObjectID)
		if !ok {
			done <- &reply{err: meridian.NewErrUnknownObjectID(w.ObjectID)}
			return
		}
		if obj.Inoperable {
			done <- &reply{err: meridian.NewErrObjectInoperable(obj.Name, obj.InoperableReason)}
			return
		}
		f, ok := c.tracker.Frontier(w.ObjectID)
		if !ok {
			done <- &reply{err: meridian.NewErrUnknownObjectID(w.ObjectID)}
			return
		}
		if f.Upper > maxUpper {
			maxUpper = f.Upper
		}
	}

	ts := c.oracle.WriteTimestamp(meridian.Frontier{Upper: maxUpper})
	for i := range writes {
		writes[i].Timestamp = ts
	}
	c.stats.Count(meridian.MetricInsert, int64(len(writes)), 1.0)
	c.dispatch("committing writes", func(ctx context.Context) error {
		for _, cmd := range writes {
			if err := c.Engine.Insert(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	}, func(err error) {
		if err != nil {
			done <- &reply{err: err}
			return
		}
		done <- &reply{result: &Result{Timestamp: ts}}
	})
}

// closeSession tears a session down: cancels its pending read, ends its
// transaction and subscriptions, and forgets it.
func (c *Coordinator) closeSession(s *sessionState) {
	if s.pending != nil {
		c.cancelPending(s.pending)
	}
	if s.txn != nil {
		c.endTransaction(s)
	}
	for _, sub := range s.subs {
		c.endSubscription(s, sub)
	}
	delete(c.sessions, s.id)
}

// handleCancel cancels a session's in-flight read. The read's holds are
// released exactly once; if a peek was dispatched, a best-effort cancel
// goes to the engine without blocking the loop.
func (c *Coordinator) handleCancel(sessionID meridian.SessionID) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	if s.pending != nil {
		c.cancelPending(s.pending)
	}
}

func (c *Coordinator) cancelPending(p *pendingRead) {
	peekID := p.peekID
	c.finishPending(p, nil, context.Canceled)
	if peekID != "" {
		c.dispatch("cancelling peek", func(ctx context.Context) error {
			return c.Engine.CancelPeek(ctx, peekID)
		}, nil)
	}
}

// endSubscription releases the subscription's holds and sends the
// engine a best-effort cancel for its standing peek.
func (c *Coordinator) endSubscription(s *sessionState, sub *subscription) {
	for _, h := range sub.holds {
		c.releaseReadHold(h)
	}
	delete(s.subs, sub.peekID)

	peekID := sub.peekID
	c.dispatch("ending subscription", func(ctx context.Context) error {
		return c.Engine.CancelPeek(ctx, peekID)
	}, nil)
}

// endSubscriptionsOn ends every subscription reading any of the given
// objects, across all sessions. Called on drop, after the objects left
// the catalog.
func (c *Coordinator) endSubscriptionsOn(dropped map[meridian.GlobalID]bool) {
	for _, s := range c.sessions {
		for _, sub := range s.subs {
			for _, id := range sub.objects {
				if dropped[id] {
					c.endSubscription(s, sub)
					break
				}
			}
		}
	}
}
