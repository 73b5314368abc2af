// Package coordinator implements the control plane of the streaming
// engine. One coordinator owns the catalog, the frontier table, the
// timestamp oracle, and the dataflow lifecycle, and it drives all of
// them from a single event loop: client statements, engine
// acknowledgments, frontier reports, and the completions of its own
// asynchronous work all arrive on one ordered queue and are handled one
// at a time. Slow work, catalog durability and engine dispatch, never
// runs on the loop; it runs in the background and re-enters as an
// event.
package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/catalog"
	"github.com/meridiandb/meridian/engine"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/frontier"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/oracle"
	"github.com/meridiandb/meridian/stats"
	"github.com/meridiandb/meridian/tracing"
)

// eventQueueSize bounds how many events can sit unprocessed before
// producers block.
const eventQueueSize = 256

// Config holds the coordinator dependencies and tunables.
type Config struct {
	// Catalog is the durable object catalog. Required.
	Catalog *catalog.Catalog

	// Engine sends commands to the execution fleet. Defaults to the nop
	// engine, which accepts everything and reports nothing back.
	Engine engine.Engine

	// DefaultCompactionLag is the retention window, in logical time,
	// applied to objects without a compaction window of their own.
	DefaultCompactionLag uint64

	// ReadTimeout bounds how long a read may stay parked waiting for an
	// upper to advance before it fails as stalled. Zero disables the
	// timeout.
	ReadTimeout time.Duration

	// Stats receives operational metrics. Defaults to the nop client.
	Stats stats.StatsClient

	Logger logger.Logger
}

// Coordinator sequences every command against the catalog, the
// frontier table, and the engine. Start it before use, Stop it to shut
// down.
type Coordinator struct {
	// Catalog and Engine are the configured collaborators.
	Catalog *catalog.Catalog
	Engine  engine.Engine

	// tracker and oracle are owned by the loop goroutine; nothing else
	// may touch them.
	tracker *frontier.Tracker
	oracle  *oracle.Oracle

	events   chan event
	stopping chan struct{}
	loopDone chan struct{}

	backgroundGroup errgroup.Group

	// Everything below is loop state.
	sessions      map[meridian.SessionID]*sessionState
	pendingByPeek map[meridian.PeekID]*pendingRead
	installs      map[meridian.DataflowID]*install

	// readHolds counts the session-attributable holds per object:
	// admitted reads, transactions, and subscriptions, but not dataflow
	// installs. A drop is refused while any object in its closure has a
	// non-zero count.
	readHolds map[meridian.GlobalID]int

	// confirmedSince is the compaction the engine has confirmed applying,
	// which can trail what the tracker allows.
	confirmedSince map[meridian.GlobalID]meridian.Timestamp

	// ddlBusy is set while a catalog commit is in flight; queued work
	// runs when it clears. Catalog changes are strictly serialized.
	ddlBusy  bool
	ddlQueue []func()

	workers []meridian.Address

	fatalErr error

	defaultLag  uint64
	readTimeout time.Duration

	stats  stats.StatsClient
	logger logger.Logger
}

// New returns a new instance of Coordinator with default values.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		Catalog: cfg.Catalog,
		Engine:  engine.NopEngine,

		events:   make(chan event, eventQueueSize),
		stopping: make(chan struct{}),
		loopDone: make(chan struct{}),

		sessions:       make(map[meridian.SessionID]*sessionState),
		pendingByPeek:  make(map[meridian.PeekID]*pendingRead),
		installs:       make(map[meridian.DataflowID]*install),
		readHolds:      make(map[meridian.GlobalID]int),
		confirmedSince: make(map[meridian.GlobalID]meridian.Timestamp),

		defaultLag:  cfg.DefaultCompactionLag,
		readTimeout: cfg.ReadTimeout,

		stats:  stats.NopStatsClient,
		logger: logger.NopLogger,
	}
	if cfg.Engine != nil {
		c.Engine = cfg.Engine
	}
	if cfg.Stats != nil {
		c.stats = cfg.Stats
	}
	if cfg.Logger != nil {
		c.logger = cfg.Logger
	}
	if c.defaultLag == 0 {
		c.defaultLag = 1
	}

	c.tracker = frontier.New(frontier.Config{
		DefaultPolicy: frontier.LagPolicy{Lag: c.defaultLag},
		Logger:        c.logger,
	})
	c.tracker.OnSinceAdvance = c.onSinceAdvance
	c.oracle = oracle.New(oracle.Config{Logger: c.logger})

	return c
}

// Start loads the catalog, reconciles engine state against it, and
// starts the event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.stopping = make(chan struct{})
	c.loopDone = make(chan struct{})

	if err := c.Catalog.Load(ctx); err != nil {
		return errors.Wrap(err, "loading catalog")
	}
	c.reconcile()

	c.backgroundGroup.Go(func() error {
		defer close(c.loopDone)
		return c.run()
	})

	return nil
}

// Stop stops the event loop and waits for background work to drain.
// It returns the loop's fatal error, if it died of one.
func (c *Coordinator) Stop() error {
	close(c.stopping)
	err := c.backgroundGroup.Wait()
	if err != nil {
		return errors.Wrap(err, "waiting on background routines")
	}
	return nil
}

// Done is closed when the event loop has exited, cleanly or not.
// Servers watch it to notice a fatal coordinator error.
func (c *Coordinator) Done() <-chan struct{} {
	return c.loopDone
}

// reconcile rebuilds loop state from the loaded catalog: every
// trackable object gets a frontier entry, and every one gets its
// dataflow reinstalled on the engine. Objects whose dataflow cannot be
// dispatched are marked inoperable rather than dropped. Runs before
// the loop starts, so it may touch loop state directly.
func (c *Coordinator) reconcile() {
	snap := c.Catalog.Snapshot()

	// Objects() is ordered by id, which is creation order, so
	// dependencies come before their dependents.
	for _, obj := range snap.Objects() {
		if !obj.Trackable() {
			continue
		}
		if err := c.tracker.Track(obj.ID, c.policyFor(obj)); err != nil {
			c.logger.Printf("tracking %s: %v", obj, err)
		}
	}
	for _, obj := range snap.Objects() {
		if !obj.Trackable() {
			continue
		}
		c.installDataflow(snap, obj, true, nil)
	}
	c.logger.Printf("reconciled %d catalog objects", snap.Len())
}

func (c *Coordinator) run() error {
	for {
		select {
		case <-c.stopping:
			return nil
		case ev := <-c.events:
			c.handle(ev)
			if c.fatalErr != nil {
				c.logger.Errorf("coordinator loop stopping: %v", c.fatalErr)
				return c.fatalErr
			}
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev := ev.(type) {
	case statementEvent:
		c.stats.CountWithCustomTags(meridian.MetricStatement, 1, 1.0, []string{"kind:" + string(ev.stmt.Kind)})
		c.handleStatement(ev)
	case sessionEvent:
		c.handleSession(ev)
	case cancelEvent:
		c.handleCancel(ev.sessionID)
	case ackEvent:
		c.handleDataflowAck(ev.ack)
	case upperEvent:
		c.stats.Count(meridian.MetricUpperAdvance, 1, 1.0)
		c.handleUpperAdvance(ev.adv)
	case sinceConfirmEvent:
		c.handleSinceConfirm(ev.conf)
	case peekResultEvent:
		c.handlePeekResult(ev.res)
	case registerEvent:
		c.handleRegister(ev)
	case funcEvent:
		ev.fn()
	case inspectEvent:
		ev.done <- c.status()
	default:
		c.logger.Printf("unhandled event type %T", ev)
	}
}

// enqueue puts an event on the loop's queue, blocking if the queue is
// full. It fails only once the loop has exited.
func (c *Coordinator) enqueue(ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.loopDone:
		return NewErrCoordinatorStopped()
	}
}

// dispatch runs an engine call off the loop. The completion re-enters
// the loop through done, which may be nil for fire-and-forget commands.
func (c *Coordinator) dispatch(what string, fn func(context.Context) error, done func(error)) {
	c.backgroundGroup.Go(func() error {
		err := fn(context.Background())
		if err != nil {
			c.logger.Printf("%s: %v", what, err)
		}
		if done != nil {
			if qerr := c.enqueue(funcEvent{fn: func() { done(err) }}); qerr != nil {
				c.logger.Debugf("completion for %s dropped: %v", what, qerr)
			}
		}
		return nil
	})
}

// fatal records an error the loop cannot recover from. The loop exits
// after the current event.
func (c *Coordinator) fatal(err error) {
	if c.fatalErr == nil {
		c.fatalErr = err
	}
}

// Execute runs one statement for a session and returns its result. It
// blocks until the statement completes, the context is cancelled, or
// the coordinator stops. Cancelling the context cancels the session's
// in-flight work.
func (c *Coordinator) Execute(ctx context.Context, sessionID meridian.SessionID, stmt *meridian.Statement) (*Result, error) {
	if err := stmt.Validate(); err != nil {
		return nil, err
	}

	span, ctx := tracing.StartSpanFromContext(ctx, "Coordinator.Execute")
	span.LogKV("kind", string(stmt.Kind))
	defer span.Finish()

	ev := statementEvent{
		sessionID: sessionID,
		stmt:      stmt,
		done:      make(chan *reply, 1),
	}
	if err := c.enqueue(ev); err != nil {
		return nil, err
	}

	select {
	case rep := <-ev.done:
		return rep.result, rep.err
	case <-ctx.Done():
		c.Cancel(sessionID)
		return nil, ctx.Err()
	case <-c.loopDone:
		return nil, NewErrCoordinatorStopped()
	}
}

// Begin opens an explicit transaction on the session. The first read
// inside it picks the transaction's timestamp; every later read reuses
// it.
func (c *Coordinator) Begin(ctx context.Context, sessionID meridian.SessionID) error {
	return c.sessionAction(ctx, sessionID, sessionBegin)
}

// Commit ends the session's transaction and releases its read holds.
func (c *Coordinator) Commit(ctx context.Context, sessionID meridian.SessionID) error {
	return c.sessionAction(ctx, sessionID, sessionCommit)
}

// Rollback ends the session's transaction and releases its read holds.
func (c *Coordinator) Rollback(ctx context.Context, sessionID meridian.SessionID) error {
	return c.sessionAction(ctx, sessionID, sessionRollback)
}

// CloseSession cancels the session's in-flight work, ends its
// transaction and subscriptions, and forgets it.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID meridian.SessionID) error {
	return c.sessionAction(ctx, sessionID, sessionClose)
}

func (c *Coordinator) sessionAction(ctx context.Context, sessionID meridian.SessionID, action sessionAction) error {
	ev := sessionEvent{
		sessionID: sessionID,
		action:    action,
		done:      make(chan *reply, 1),
	}
	if err := c.enqueue(ev); err != nil {
		return err
	}

	select {
	case rep := <-ev.done:
		return rep.err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return NewErrCoordinatorStopped()
	}
}

// Cancel cancels the session's in-flight work: any pending read hold is
// released exactly once and a best-effort cancel goes to the engine. It
// never blocks on the work itself.
func (c *Coordinator) Cancel(sessionID meridian.SessionID) {
	if err := c.enqueue(cancelEvent{sessionID: sessionID}); err != nil {
		c.logger.Debugf("cancel for session %s dropped: %v", sessionID, err)
	}
}

// ReportDataflowAck feeds an engine dataflow acknowledgment into the
// loop.
func (c *Coordinator) ReportDataflowAck(ack meridian.DataflowAck) error {
	return c.enqueue(ackEvent{ack: ack})
}

// ReportUpperAdvance feeds a frontier advance from the engine or a
// source watermark poller into the loop.
func (c *Coordinator) ReportUpperAdvance(adv meridian.UpperAdvance) error {
	return c.enqueue(upperEvent{adv: adv})
}

// ReportSinceConfirm feeds an engine compaction confirmation into the
// loop.
func (c *Coordinator) ReportSinceConfirm(conf meridian.SinceConfirm) error {
	return c.enqueue(sinceConfirmEvent{conf: conf})
}

// ReportPeekResult feeds a finished peek into the loop.
func (c *Coordinator) ReportPeekResult(res meridian.PeekResult) error {
	return c.enqueue(peekResultEvent{res: res})
}

// RegisterEngineWorkers replaces the engine worker fleet.
func (c *Coordinator) RegisterEngineWorkers(ctx context.Context, addrs []meridian.Address) error {
	ev := registerEvent{
		addrs: addrs,
		done:  make(chan *reply, 1),
	}
	if err := c.enqueue(ev); err != nil {
		return err
	}

	select {
	case rep := <-ev.done:
		return rep.err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return NewErrCoordinatorStopped()
	}
}

func (c *Coordinator) handleRegister(ev registerEvent) {
	c.workers = append([]meridian.Address(nil), ev.addrs...)
	if setter, ok := c.Engine.(engine.AddressSetter); ok {
		setter.SetAddresses(ev.addrs)
	}
	c.logger.Printf("engine fleet registered: %v", ev.addrs)
	ev.done <- &reply{}
}

func (c *Coordinator) handleUpperAdvance(adv meridian.UpperAdvance) {
	// A stale or unknown report is dropped, not an error; pollers and
	// engines redeliver. On a real advance the tracker wakes parked
	// reads in the same event, so an admitted read can never miss the
	// advance that admitted it.
	if !c.tracker.AdvanceUpper(adv.ObjectID, adv.Upper) {
		c.logger.Debugf("ignored upper report: object %d at %d", uint64(adv.ObjectID), uint64(adv.Upper))
	}
}

func (c *Coordinator) handleSinceConfirm(conf meridian.SinceConfirm) {
	if prev, ok := c.confirmedSince[conf.ObjectID]; ok && conf.Since <= prev {
		return
	}
	c.confirmedSince[conf.ObjectID] = conf.Since
	c.logger.Debugf("compaction confirmed: object %d to %d", uint64(conf.ObjectID), uint64(conf.Since))
}

// runExclusive runs fn now unless a catalog commit is in flight, in
// which case it queues. Everything that commits to the catalog goes
// through here, which is what serializes DDL.
func (c *Coordinator) runExclusive(fn func()) {
	if c.ddlBusy {
		c.ddlQueue = append(c.ddlQueue, fn)
		return
	}
	fn()
}

// nextExclusive clears the commit-in-flight flag and runs queued work
// until something goes busy again or the queue drains.
func (c *Coordinator) nextExclusive() {
	c.ddlBusy = false
	for !c.ddlBusy && len(c.ddlQueue) > 0 {
		fn := c.ddlQueue[0]
		c.ddlQueue = c.ddlQueue[1:]
		fn()
	}
}

// policyFor maps an object's compaction window onto a frontier policy.
// Nil means the tracker default.
func (c *Coordinator) policyFor(obj *meridian.Object) frontier.Policy {
	lag, pinned, ok := obj.CompactionLag()
	if !ok {
		return nil
	}
	if pinned {
		return frontier.PinPolicy{}
	}
	return frontier.LagPolicy{Lag: lagTicks(lag)}
}

// lagTicks converts a wall-clock window to logical time, one tick per
// millisecond. Sub-millisecond windows round up to one tick.
func lagTicks(d time.Duration) uint64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return uint64(ms)
}

// addReadHold takes a hold on behalf of a session read and counts it
// against drops.
func (c *Coordinator) addReadHold(id meridian.GlobalID, ts meridian.Timestamp) error {
	if err := c.tracker.AddHold(id, ts); err != nil {
		return err
	}
	c.readHolds[id]++
	return nil
}

// releaseReadHold releases one session hold. Releasing against an
// object that was dropped out from under a parked read is fine; the
// tracker forgot the hold with the object.
func (c *Coordinator) releaseReadHold(h hold) {
	if err := c.tracker.RemoveHold(h.object, h.ts); err != nil {
		c.logger.Debugf("releasing hold on object %d at %d: %v", uint64(h.object), uint64(h.ts), err)
	}
	if n := c.readHolds[h.object]; n <= 1 {
		delete(c.readHolds, h.object)
	} else {
		c.readHolds[h.object] = n - 1
	}
}

// Status is a consistent view of coordinator state, taken on the loop.
type Status struct {
	Objects         meridian.Objects                                `json:"objects"`
	Frontiers       map[meridian.GlobalID]meridian.Frontier         `json:"frontiers"`
	ConfirmedSince  map[meridian.GlobalID]meridian.Timestamp        `json:"confirmedSince,omitempty"`
	Dataflows       map[meridian.DataflowID]meridian.DataflowStatus `json:"dataflows"`
	Workers         []meridian.Address                              `json:"workers,omitempty"`
	Sessions        int                                             `json:"sessions"`
	ReadWatermark   meridian.Timestamp                              `json:"readWatermark"`
	CatalogSequence uint64                                          `json:"catalogSequence"`
}

// Status returns a consistent snapshot of coordinator state.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	ev := inspectEvent{done: make(chan *Status, 1)}
	if err := c.enqueue(ev); err != nil {
		return nil, err
	}

	select {
	case st := <-ev.done:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loopDone:
		return nil, NewErrCoordinatorStopped()
	}
}

// Sources lists the catalog's source objects. It satisfies
// source.Lister so a watermark manager can keep its pollers in step
// with the catalog.
func (c *Coordinator) Sources(ctx context.Context) (meridian.Objects, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	var sources meridian.Objects
	for _, obj := range st.Objects {
		if obj.Kind == meridian.ObjectKindSource {
			sources = append(sources, obj)
		}
	}
	return sources, nil
}

func (c *Coordinator) status() *Status {
	st := &Status{
		Objects:         c.Catalog.Snapshot().Objects(),
		Frontiers:       c.tracker.Frontiers(),
		ConfirmedSince:  make(map[meridian.GlobalID]meridian.Timestamp, len(c.confirmedSince)),
		Dataflows:       make(map[meridian.DataflowID]meridian.DataflowStatus, len(c.installs)),
		Workers:         append([]meridian.Address(nil), c.workers...),
		Sessions:        len(c.sessions),
		ReadWatermark:   c.oracle.LastGiven(),
		CatalogSequence: c.Catalog.Sequence(),
	}
	for id, since := range c.confirmedSince {
		st.ConfirmedSince[id] = since
	}
	for id, inst := range c.installs {
		st.Dataflows[id] = inst.status
	}
	return st
}
