package coordinator

import (
	"context"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/catalog"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/source"
)

// beginDDL validates a catalog statement against the current snapshot
// and starts the durable commit. The commit runs off the loop; the loop
// keeps serving reads against the old snapshot until the commit
// completes and finishDDL applies the effects. Other catalog changes
// queue behind it.
func (c *Coordinator) beginDDL(ev statementEvent) {
	txn := c.Catalog.Begin()

	res, err := c.applyStatement(txn, ev.stmt)
	if err != nil {
		ev.done <- &reply{err: err}
		return
	}
	if txn.Empty() {
		// if-not-exists hit or if-exists miss; nothing to commit.
		ev.done <- &reply{result: res}
		return
	}

	c.ddlBusy = true
	c.backgroundGroup.Go(func() error {
		start := time.Now()
		cerr := c.Catalog.Commit(context.Background(), txn)
		if cerr == nil {
			c.stats.Count(meridian.MetricCatalogCommit, 1, 1.0)
			c.stats.Timing(meridian.MetricCatalogCommitSeconds, time.Since(start), 1.0)
		}
		if qerr := c.enqueue(funcEvent{fn: func() { c.finishDDL(ev, txn, res, cerr) }}); qerr != nil {
			c.logger.Debugf("commit completion dropped: %v", qerr)
		}
		return nil
	})
}

// applyStatement builds the catalog transaction for one DDL statement.
// Everything here is validation against the transaction's view; nothing
// is durable or visible until the commit lands.
func (c *Coordinator) applyStatement(txn *catalog.Txn, stmt *meridian.Statement) (*Result, error) {
	switch stmt.Kind {
	case meridian.StatementCreateSource:
		return c.applyCreateSource(txn, stmt.CreateSource)
	case meridian.StatementCreateTable:
		return c.applyCreateTable(txn, stmt.CreateTable)
	case meridian.StatementCreateView:
		return c.applyCreateView(txn, stmt.CreateView)
	case meridian.StatementCreateIndex:
		return c.applyCreateIndex(txn, stmt.CreateIndex)
	case meridian.StatementCreateSink:
		return c.applyCreateSink(txn, stmt.CreateSink)
	case meridian.StatementDrop:
		return c.applyDrop(txn, stmt.Drop)
	case meridian.StatementRename:
		return c.applyRename(txn, stmt.Rename)
	}
	return nil, meridian.NewErrInvalidStatement(string(stmt.Kind), "not a catalog statement")
}

func (c *Coordinator) applyCreateSource(txn *catalog.Txn, st *meridian.CreateSourceStatement) (*Result, error) {
	if existing, ok := txn.View().ObjectByName(st.Name); ok && st.IfNotExists {
		return &Result{Object: existing}, nil
	}
	if err := st.Config.Validate(); err != nil {
		return nil, err
	}
	// A bad schema fails the statement, not the first record.
	if err := source.ValidateFormat(&st.Config); err != nil {
		return nil, err
	}

	cfg := st.Config
	created, err := txn.CreateObject(&meridian.Object{
		Name:             st.Name,
		Kind:             meridian.ObjectKindSource,
		Source:           &cfg,
		CompactionWindow: st.CompactionWindow,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Object: created}, nil
}

func (c *Coordinator) applyCreateTable(txn *catalog.Txn, st *meridian.CreateTableStatement) (*Result, error) {
	if existing, ok := txn.View().ObjectByName(st.Name); ok && st.IfNotExists {
		return &Result{Object: existing}, nil
	}
	created, err := txn.CreateObject(&meridian.Object{
		Name: st.Name,
		Kind: meridian.ObjectKindTable,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Object: created}, nil
}

func (c *Coordinator) applyCreateView(txn *catalog.Txn, st *meridian.CreateViewStatement) (*Result, error) {
	if existing, ok := txn.View().ObjectByName(st.Name); ok && st.IfNotExists {
		return &Result{Object: existing}, nil
	}
	if len(st.ReadsFrom) == 0 {
		return nil, meridian.NewErrInvalidStatement("create-view", "a view must read from at least one object")
	}

	deps, err := resolveDependencies(txn.View(), "create-view", st.ReadsFrom)
	if err != nil {
		return nil, err
	}
	created, err := txn.CreateObject(&meridian.Object{
		Name:      st.Name,
		Kind:      meridian.ObjectKindView,
		DependsOn: deps,
		Plan:      st.Plan,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Object: created}, nil
}

func (c *Coordinator) applyCreateIndex(txn *catalog.Txn, st *meridian.CreateIndexStatement) (*Result, error) {
	if existing, ok := txn.View().ObjectByName(st.Name); ok && st.IfNotExists {
		return &Result{Object: existing}, nil
	}

	deps, err := resolveDependencies(txn.View(), "create-index", meridian.ObjectNames{st.On})
	if err != nil {
		return nil, err
	}
	created, err := txn.CreateObject(&meridian.Object{
		Name:             st.Name,
		Kind:             meridian.ObjectKindIndex,
		DependsOn:        deps,
		Plan:             st.Plan,
		CompactionWindow: st.CompactionWindow,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Object: created}, nil
}

func (c *Coordinator) applyCreateSink(txn *catalog.Txn, st *meridian.CreateSinkStatement) (*Result, error) {
	if existing, ok := txn.View().ObjectByName(st.Name); ok && st.IfNotExists {
		return &Result{Object: existing}, nil
	}
	if err := st.Config.Validate(); err != nil {
		return nil, err
	}

	deps, err := resolveDependencies(txn.View(), "create-sink", meridian.ObjectNames{st.From})
	if err != nil {
		return nil, err
	}
	cfg := st.Config
	created, err := txn.CreateObject(&meridian.Object{
		Name:      st.Name,
		Kind:      meridian.ObjectKindSink,
		DependsOn: deps,
		Sink:      &cfg,
		Plan:      st.Plan,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Object: created}, nil
}

// resolveDependencies maps names to ids against the transaction's view.
// Sinks are terminal: nothing may read one.
func resolveDependencies(view *catalog.Snapshot, kind string, names meridian.ObjectNames) (meridian.GlobalIDs, error) {
	var deps meridian.GlobalIDs
	for _, name := range names {
		obj, ok := view.ObjectByName(name)
		if !ok {
			return nil, meridian.NewErrUnknownObject(name)
		}
		if obj.Kind == meridian.ObjectKindSink {
			return nil, meridian.NewErrInvalidStatement(kind, "cannot read from sink '"+string(name)+"'")
		}
		deps = append(deps, obj.ID)
	}
	return deps, nil
}

func (c *Coordinator) applyDrop(txn *catalog.Txn, st *meridian.DropStatement) (*Result, error) {
	res := &Result{}
	for _, name := range st.Names {
		if _, ok := txn.View().ObjectByName(name); !ok && st.IfExists {
			continue
		}
		dropped, err := txn.DropObject(name, st.Cascade)
		if err != nil {
			return nil, err
		}
		// A live reader pins the object: an admitted read, a
		// transaction, or a subscription. The drop is refused rather
		// than yanked out from under them; parked reads hold nothing
		// and fail on wake instead.
		for _, d := range dropped {
			if n := c.readHolds[d.ID]; n > 0 {
				return nil, meridian.NewErrObjectInUse(d.Name, n)
			}
			res.Dropped = append(res.Dropped, d.Name)
		}
	}
	return res, nil
}

func (c *Coordinator) applyRename(txn *catalog.Txn, st *meridian.RenameStatement) (*Result, error) {
	renamed, err := txn.RenameObject(st.From, st.To)
	if err != nil {
		return nil, err
	}
	return &Result{Object: renamed}, nil
}

// finishDDL applies a committed catalog transaction to loop state:
// frontier entries and dataflows for created objects, teardown for
// dropped ones. A durability failure is fatal; the in-memory catalog
// never diverged, but the coordinator cannot promise the next boot
// will agree with it.
func (c *Coordinator) finishDDL(ev statementEvent, txn *catalog.Txn, res *Result, err error) {
	defer c.nextExclusive()

	if err != nil {
		if errors.Is(err, meridian.ErrCatalogDurability) {
			c.fatal(err)
		}
		ev.done <- &reply{err: err}
		return
	}

	snap := c.Catalog.Snapshot()
	if created := txn.Created(); len(created) > 0 {
		c.stats.Count(meridian.MetricCreateObject, int64(len(created)), 1.0)
	}
	if dropped := txn.Dropped(); len(dropped) > 0 {
		c.stats.Count(meridian.MetricDropObject, int64(len(dropped)), 1.0)
	}
	if ev.stmt.Kind == meridian.StatementRename {
		c.stats.Count(meridian.MetricRenameObject, 1, 1.0)
	}

	// Create statements make at most one object, so at most one install
	// defers the reply.
	deferred := false
	for _, obj := range txn.Created() {
		if !obj.Trackable() {
			continue
		}
		if terr := c.tracker.Track(obj.ID, c.policyFor(obj)); terr != nil {
			c.logger.Printf("tracking %s: %v", obj, terr)
		}
		done := ev.done
		result := res
		c.installDataflow(snap, obj, false, func(ierr error) {
			if ierr != nil {
				done <- &reply{err: ierr}
				return
			}
			done <- &reply{result: result}
		})
		deferred = true
	}

	if dropped := txn.Dropped(); len(dropped) > 0 {
		c.applyDrops(dropped)
	}

	if !deferred {
		ev.done <- &reply{result: res}
	}
}
