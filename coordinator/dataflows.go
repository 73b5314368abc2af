package coordinator

import (
	"context"
	"sort"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/catalog"
	"github.com/meridiandb/meridian/errors"
)

// install is one dataflow the coordinator believes the engine is
// running, from dispatch until drop. Until the engine reports the
// dataflow ready, holds pin every input at the initial as-of so the
// history the dataflow hydrates from cannot compact away beneath it.
type install struct {
	id     meridian.DataflowID
	object *meridian.Object
	asOf   meridian.Timestamp
	holds  []hold
	boot   bool
	ready  bool
	status meridian.DataflowStatus
}

// installDataflow dispatches a dataflow for obj. Install is idempotent
// per dataflow id. done, when non-nil, is called on the loop once the
// engine accepts or refuses the dispatch; readiness arrives later as an
// ack.
func (c *Coordinator) installDataflow(snap *catalog.Snapshot, obj *meridian.Object, boot bool, done func(error)) {
	id := meridian.NewDataflowID(obj.ID)
	if _, ok := c.installs[id]; ok {
		if done != nil {
			done(nil)
		}
		return
	}

	inputs, err := trackableClosure(snap, obj.DependsOn)
	if err != nil {
		c.logger.Errorf("resolving inputs of %s: %v", obj, err)
		if done != nil {
			done(err)
		}
		return
	}

	inst := &install{
		id:     id,
		object: obj,
		boot:   boot,
		status: meridian.DataflowStatusPending,
	}

	// The dataflow starts at the latest since among its inputs, the
	// earliest time they are all still readable at. Holds at that time
	// keep it readable until the dataflow is hydrated.
	for _, in := range inputs {
		if f, ok := c.tracker.Frontier(in); ok && f.Since > inst.asOf {
			inst.asOf = f.Since
		}
	}
	for _, in := range inputs {
		if herr := c.tracker.AddHold(in, inst.asOf); herr != nil {
			c.logger.Printf("holding input %d of %s at %d: %v", uint64(in), obj, uint64(inst.asOf), herr)
			continue
		}
		inst.holds = append(inst.holds, hold{object: in, ts: inst.asOf})
	}
	c.installs[id] = inst
	c.stats.Count(meridian.MetricDataflowInstall, 1, 1.0)

	desc := meridian.DataflowDescription{
		ID:     id,
		Target: obj.ID,
		Inputs: inputs,
		Plan:   obj.Plan,
		AsOf:   inst.asOf,
	}
	c.dispatch("installing dataflow "+string(id), func(ctx context.Context) error {
		return c.Engine.CreateDataflow(ctx, desc)
	}, func(derr error) {
		if derr != nil {
			c.installFailed(inst, meridian.NewErrDataflowInstallation(id, derr.Error()), done)
			return
		}
		if done != nil {
			done(nil)
		}
	})
}

// installFailed unwinds a dataflow the engine refused or failed. At
// boot the object is marked inoperable and stays in the catalog; at
// runtime the catalog entry the DDL just created is rolled back, since
// the object never became real.
func (c *Coordinator) installFailed(inst *install, ferr error, done func(error)) {
	if c.installs[inst.id] != inst {
		// A drop already tore it down.
		if done != nil {
			done(ferr)
		}
		return
	}
	delete(c.installs, inst.id)
	c.releaseInstallHolds(inst)

	if inst.boot {
		c.Catalog.MarkInoperable(inst.object.ID, ferr.Error())
		c.logger.Errorf("%s is inoperable: %v", inst.object, ferr)
		if done != nil {
			done(ferr)
		}
		return
	}
	c.runExclusive(func() { c.compensateInstall(inst, ferr, done) })
}

// compensateInstall commits the drop of a catalog entry whose dataflow
// never installed. The original statement still fails with the install
// error; this only keeps the catalog from describing a dataflow that
// does not exist.
func (c *Coordinator) compensateInstall(inst *install, ferr error, done func(error)) {
	txn := c.Catalog.Begin()
	obj, ok := txn.View().Object(inst.object.ID)
	if !ok {
		if done != nil {
			done(ferr)
		}
		return
	}
	dropped, err := txn.DropObject(obj.Name, true)
	if err != nil {
		c.logger.Errorf("rolling back %s after failed install: %v", inst.object, err)
		if done != nil {
			done(ferr)
		}
		return
	}

	c.ddlBusy = true
	c.backgroundGroup.Go(func() error {
		cerr := c.Catalog.Commit(context.Background(), txn)
		qerr := c.enqueue(funcEvent{fn: func() {
			defer c.nextExclusive()
			if cerr != nil {
				if errors.Is(cerr, meridian.ErrCatalogDurability) {
					c.fatal(cerr)
				}
				c.logger.Errorf("rollback commit for %s: %v", inst.object, cerr)
			} else {
				c.applyDrops(dropped)
				c.logger.Printf("rolled back %s after failed install", inst.object)
			}
			if done != nil {
				done(ferr)
			}
		}})
		if qerr != nil {
			c.logger.Debugf("rollback completion dropped: %v", qerr)
		}
		return nil
	})
}

func (c *Coordinator) releaseInstallHolds(inst *install) {
	for _, h := range inst.holds {
		if err := c.tracker.RemoveHold(h.object, h.ts); err != nil {
			c.logger.Debugf("releasing install hold on object %d at %d: %v", uint64(h.object), uint64(h.ts), err)
		}
	}
	inst.holds = nil
}

// handleDataflowAck applies an engine acknowledgment. The ready ack is
// the one that matters: it means the dataflow is queryable at its own
// frontier, so the install holds on its inputs can finally let go.
func (c *Coordinator) handleDataflowAck(ack meridian.DataflowAck) {
	inst, ok := c.installs[ack.DataflowID]
	if !ok {
		c.logger.Debugf("ack for unknown dataflow %s: %s", ack.DataflowID, ack.Status)
		return
	}

	switch ack.Status {
	case meridian.DataflowStatusPending:
		inst.status = ack.Status

	case meridian.DataflowStatusReady:
		inst.status = ack.Status
		if !inst.ready {
			inst.ready = true
			c.releaseInstallHolds(inst)
			c.logger.Printf("dataflow %s ready", ack.DataflowID)
		}

	case meridian.DataflowStatusFailed:
		c.installFailed(inst, meridian.NewErrDataflowInstallation(ack.DataflowID, ack.Error), nil)

	case meridian.DataflowStatusDropped:
		delete(c.installs, ack.DataflowID)
		c.logger.Debugf("dataflow %s torn down", ack.DataflowID)

	default:
		c.logger.Printf("unknown dataflow status %q for %s", ack.Status, ack.DataflowID)
	}
}

// applyDrops tears down state for objects that just left the catalog.
// The commit already happened, so nothing new can resolve them; this is
// cleanup of what remains. Dropping the frontier entry wakes parked
// reads to fail, and ending subscriptions releases their holds.
func (c *Coordinator) applyDrops(droppedObjs meridian.Objects) {
	droppedIDs := make(map[meridian.GlobalID]bool, len(droppedObjs))
	for _, obj := range droppedObjs {
		droppedIDs[obj.ID] = true
	}

	for _, obj := range droppedObjs {
		if !obj.Trackable() {
			continue
		}
		id := meridian.NewDataflowID(obj.ID)
		if inst, ok := c.installs[id]; ok {
			delete(c.installs, id)
			c.releaseInstallHolds(inst)
		}
		c.stats.Count(meridian.MetricDataflowDrop, 1, 1.0)
		c.dispatch("dropping dataflow "+string(id), func(ctx context.Context) error {
			return c.Engine.DropDataflow(ctx, id)
		}, nil)

		c.tracker.Drop(obj.ID)
		delete(c.confirmedSince, obj.ID)
		delete(c.readHolds, obj.ID)
	}

	c.endSubscriptionsOn(droppedIDs)
}

// onSinceAdvance fires inside the loop whenever an object's since
// moves: holds released, since recomputed, and only then this
// propagation, in that order within one event. The new floor goes to
// the object's own dataflow and to every dataflow reading it; each
// confirms with a since report once it has compacted.
func (c *Coordinator) onSinceAdvance(id meridian.GlobalID, since meridian.Timestamp) {
	snap := c.Catalog.Snapshot()
	c.stats.Count(meridian.MetricSinceAdvance, 1, 1.0)

	targets := []meridian.DataflowID{meridian.NewDataflowID(id)}
	for _, depID := range snap.TransitiveDependents(id) {
		if obj, ok := snap.Object(depID); ok && obj.Trackable() {
			targets = append(targets, meridian.NewDataflowID(depID))
		}
	}

	for _, dataflow := range targets {
		cmd := meridian.CompactionCommand{Dataflow: dataflow, ObjectID: id, Since: since}
		c.stats.Count(meridian.MetricAllowCompaction, 1, 1.0)
		c.dispatch("allowing compaction of object "+id.String(), func(ctx context.Context) error {
			return c.Engine.AllowCompaction(ctx, cmd)
		}, nil)
	}
}

// trackableClosure expands ids through views down to the trackable
// objects that actually hold data, deduplicated and sorted.
func trackableClosure(snap *catalog.Snapshot, ids meridian.GlobalIDs) (meridian.GlobalIDs, error) {
	seen := make(map[meridian.GlobalID]bool)
	var out meridian.GlobalIDs

	var visit func(id meridian.GlobalID) error
	visit = func(id meridian.GlobalID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		obj, ok := snap.Object(id)
		if !ok {
			return meridian.NewErrUnknownObjectID(id)
		}
		if obj.Trackable() {
			out = append(out, id)
			return nil
		}
		for _, dep := range obj.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	sort.Sort(out)
	return out, nil
}
