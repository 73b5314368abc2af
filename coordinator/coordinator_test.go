package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/boltdb"
	"github.com/meridiandb/meridian/catalog"
	catalogboltdb "github.com/meridiandb/meridian/catalog/boltdb"
	"github.com/meridiandb/meridian/coordinator"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	testbolt "github.com/meridiandb/meridian/test/boltdb"
)

// fakeEngine records every command. With answerPeeks set it answers
// each peek immediately with canned rows, which lets reads complete
// without per-test orchestration.
type fakeEngine struct {
	mu sync.Mutex

	dataflows   []meridian.DataflowDescription
	drops       []meridian.DataflowID
	compactions []meridian.CompactionCommand
	peeks       []meridian.PeekRequest
	cancels     []meridian.PeekID
	inserts     []meridian.InsertCommand
	addrs       []meridian.Address

	failCreates bool
	answerPeeks bool
	rows        json.RawMessage

	coord *coordinator.Coordinator
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func newAnsweringEngine(rows string) *fakeEngine {
	return &fakeEngine{answerPeeks: true, rows: json.RawMessage(rows)}
}

// attach wires the engine back to the coordinator so auto-answered
// peeks can report their results.
func (e *fakeEngine) attach(c *coordinator.Coordinator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coord = c
}

func (e *fakeEngine) setFailCreates(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCreates = v
}

func (e *fakeEngine) CreateDataflow(ctx context.Context, desc meridian.DataflowDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreates {
		return errors.Errorf("no capacity")
	}
	e.dataflows = append(e.dataflows, desc)
	return nil
}

func (e *fakeEngine) DropDataflow(ctx context.Context, id meridian.DataflowID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drops = append(e.drops, id)
	return nil
}

func (e *fakeEngine) AllowCompaction(ctx context.Context, cmd meridian.CompactionCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compactions = append(e.compactions, cmd)
	return nil
}

func (e *fakeEngine) Peek(ctx context.Context, req meridian.PeekRequest) error {
	e.mu.Lock()
	e.peeks = append(e.peeks, req)
	coord, answer, rows := e.coord, e.answerPeeks, e.rows
	e.mu.Unlock()

	if answer && coord != nil {
		_ = coord.ReportPeekResult(meridian.PeekResult{PeekID: req.PeekID, Rows: rows})
	}
	return nil
}

func (e *fakeEngine) CancelPeek(ctx context.Context, id meridian.PeekID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, id)
	return nil
}

func (e *fakeEngine) Insert(ctx context.Context, cmd meridian.InsertCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inserts = append(e.inserts, cmd)
	return nil
}

func (e *fakeEngine) SetAddresses(addrs []meridian.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addrs = append([]meridian.Address(nil), addrs...)
}

func (e *fakeEngine) Dataflows() []meridian.DataflowDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.DataflowDescription(nil), e.dataflows...)
}

func (e *fakeEngine) Drops() []meridian.DataflowID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.DataflowID(nil), e.drops...)
}

func (e *fakeEngine) Compactions() []meridian.CompactionCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.CompactionCommand(nil), e.compactions...)
}

func (e *fakeEngine) Peeks() []meridian.PeekRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.PeekRequest(nil), e.peeks...)
}

func (e *fakeEngine) Cancels() []meridian.PeekID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.PeekID(nil), e.cancels...)
}

func (e *fakeEngine) Inserts() []meridian.InsertCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.InsertCommand(nil), e.inserts...)
}

func (e *fakeEngine) Addrs() []meridian.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]meridian.Address(nil), e.addrs...)
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	db := testbolt.MustOpenDB(t)
	t.Cleanup(func() {
		testbolt.MustCloseDB(t, db)
		testbolt.CleanupDB(t, db.Path())
	})
	require.NoError(t, db.InitializeBuckets(catalogboltdb.StoreBuckets...))

	return catalog.New(catalog.Config{
		Store:  catalogboltdb.NewStore(boltdb.NewTransactor(db), logger.NopLogger),
		Logger: logger.NopLogger,
	})
}

func mustStartCoordinator(t *testing.T, cfg coordinator.Config) *coordinator.Coordinator {
	t.Helper()

	if cfg.Catalog == nil {
		cfg.Catalog = newTestCatalog(t)
	}
	c := coordinator.New(cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		if err := c.Stop(); err != nil {
			t.Errorf("stopping coordinator: %v", err)
		}
	})
	return c
}

func mustExecute(t *testing.T, c *coordinator.Coordinator, session meridian.SessionID, stmt *meridian.Statement) *coordinator.Result {
	t.Helper()
	res, err := c.Execute(context.Background(), session, stmt)
	require.NoError(t, err)
	return res
}

func mustStatus(t *testing.T, c *coordinator.Coordinator) *coordinator.Status {
	t.Helper()
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	return st
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func createSource(name string) *meridian.Statement {
	return &meridian.Statement{
		Kind: meridian.StatementCreateSource,
		CreateSource: &meridian.CreateSourceStatement{
			Name: meridian.ObjectName(name),
			Config: meridian.SourceConfig{
				Connector: meridian.ConnectorKafka,
				Format:    meridian.FormatJSON,
				Kafka: &meridian.KafkaConnector{
					Brokers: []string{"localhost:9092"},
					Topic:   name,
				},
			},
		},
	}
}

func createTable(name string) *meridian.Statement {
	return &meridian.Statement{
		Kind:        meridian.StatementCreateTable,
		CreateTable: &meridian.CreateTableStatement{Name: meridian.ObjectName(name)},
	}
}

func createView(name string, from ...string) *meridian.Statement {
	names := make(meridian.ObjectNames, len(from))
	for i, f := range from {
		names[i] = meridian.ObjectName(f)
	}
	return &meridian.Statement{
		Kind: meridian.StatementCreateView,
		CreateView: &meridian.CreateViewStatement{
			Name:      meridian.ObjectName(name),
			ReadsFrom: names,
		},
	}
}

func createIndex(name, on string) *meridian.Statement {
	return &meridian.Statement{
		Kind: meridian.StatementCreateIndex,
		CreateIndex: &meridian.CreateIndexStatement{
			Name: meridian.ObjectName(name),
			On:   meridian.ObjectName(on),
		},
	}
}

func createSink(name, from string) *meridian.Statement {
	return &meridian.Statement{
		Kind: meridian.StatementCreateSink,
		CreateSink: &meridian.CreateSinkStatement{
			Name: meridian.ObjectName(name),
			From: meridian.ObjectName(from),
			Config: meridian.SinkConfig{
				Connector: meridian.ConnectorKafka,
				Format:    meridian.FormatJSON,
				Kafka: &meridian.KafkaSinkConnector{
					Brokers: []string{"localhost:9092"},
					Topic:   name,
				},
			},
		},
	}
}

func dropStmt(cascade bool, names ...string) *meridian.Statement {
	ns := make(meridian.ObjectNames, len(names))
	for i, n := range names {
		ns[i] = meridian.ObjectName(n)
	}
	return &meridian.Statement{
		Kind: meridian.StatementDrop,
		Drop: &meridian.DropStatement{Names: ns, Cascade: cascade},
	}
}

func selectStmt(from ...string) *meridian.Statement {
	names := make(meridian.ObjectNames, len(from))
	for i, f := range from {
		names[i] = meridian.ObjectName(f)
	}
	return &meridian.Statement{
		Kind:   meridian.StatementSelect,
		Select: &meridian.SelectStatement{From: names},
	}
}

func selectAsOf(ts meridian.Timestamp, from string) *meridian.Statement {
	return &meridian.Statement{
		Kind: meridian.StatementSelect,
		Select: &meridian.SelectStatement{
			From: meridian.ObjectNames{meridian.ObjectName(from)},
			AsOf: &ts,
		},
	}
}

func insertStmt(table, rows string) *meridian.Statement {
	return &meridian.Statement{
		Kind: meridian.StatementInsert,
		Insert: &meridian.InsertStatement{
			Table: meridian.ObjectName(table),
			Rows:  json.RawMessage(rows),
		},
	}
}

func subscribeStmt(from string) *meridian.Statement {
	return &meridian.Statement{
		Kind:      meridian.StatementSubscribe,
		Subscribe: &meridian.SubscribeStatement{From: meridian.ObjectName(from)},
	}
}

type execResult struct {
	res *coordinator.Result
	err error
}

// goExecute runs a statement on its own goroutine for tests that need
// the statement to park.
func goExecute(c *coordinator.Coordinator, session meridian.SessionID, stmt *meridian.Statement) chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		res, err := c.Execute(context.Background(), session, stmt)
		ch <- execResult{res: res, err: err}
	}()
	return ch
}

func awaitExec(t *testing.T, ch chan execResult) execResult {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("statement did not complete")
		return execResult{}
	}
}

func hasCompaction(cmds []meridian.CompactionCommand, id meridian.GlobalID, since meridian.Timestamp) bool {
	for _, cmd := range cmds {
		if cmd.ObjectID == id && cmd.Since == since {
			return true
		}
	}
	return false
}

func TestCreateStatements(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	s := meridian.SessionID("ddl")

	res := mustExecute(t, c, s, createSource("clicks"))
	require.NotNil(t, res.Object)
	assert.Equal(t, meridian.GlobalID(1), res.Object.ID)
	assert.Equal(t, meridian.ObjectKindSource, res.Object.Kind)

	// The source got a dataflow with no inputs.
	flows := eng.Dataflows()
	require.Len(t, flows, 1)
	assert.Equal(t, meridian.GlobalID(1), flows[0].Target)
	assert.Empty(t, flows[0].Inputs)

	// A view is definition only: no dataflow, no frontier.
	res = mustExecute(t, c, s, createView("by_url", "clicks"))
	assert.Equal(t, meridian.GlobalID(2), res.Object.ID)
	assert.Len(t, eng.Dataflows(), 1)

	// Indexing the view materializes it over the underlying source.
	res = mustExecute(t, c, s, createIndex("by_url_idx", "by_url"))
	assert.Equal(t, meridian.GlobalID(3), res.Object.ID)
	flows = eng.Dataflows()
	require.Len(t, flows, 2)
	assert.Equal(t, meridian.GlobalID(3), flows[1].Target)
	assert.Equal(t, meridian.GlobalIDs{1}, flows[1].Inputs)

	mustExecute(t, c, s, createTable("t"))
	res = mustExecute(t, c, s, createSink("out", "by_url"))
	assert.Equal(t, meridian.GlobalID(5), res.Object.ID)
	assert.Len(t, eng.Dataflows(), 4)

	st := mustStatus(t, c)
	assert.Len(t, st.Objects, 5)
	assert.Contains(t, st.Frontiers, meridian.GlobalID(1))
	assert.NotContains(t, st.Frontiers, meridian.GlobalID(2))
	assert.Contains(t, st.Frontiers, meridian.GlobalID(5))

	// if-not-exists against an existing name resolves to it without a
	// new catalog transaction.
	seqBefore := st.CatalogSequence
	stmt := createSource("clicks")
	stmt.CreateSource.IfNotExists = true
	res = mustExecute(t, c, s, stmt)
	assert.Equal(t, meridian.GlobalID(1), res.Object.ID)
	assert.Equal(t, seqBefore, mustStatus(t, c).CatalogSequence)

	// Names are unique across kinds.
	_, err := c.Execute(context.Background(), s, createTable("clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrNameCollision))
	}

	// Sinks are terminal.
	_, err = c.Execute(context.Background(), s, selectStmt("out"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidStatement))
	}
	_, err = c.Execute(context.Background(), s, createView("v2", "out"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidStatement))
	}

	// Rename keeps the id, so dependents are untouched.
	res = mustExecute(t, c, s, &meridian.Statement{
		Kind:   meridian.StatementRename,
		Rename: &meridian.RenameStatement{From: "clicks", To: "hits"},
	})
	assert.Equal(t, meridian.GlobalID(1), res.Object.ID)
	assert.Equal(t, meridian.ObjectName("hits"), res.Object.Name)
	_, err = c.Execute(context.Background(), s, selectStmt("clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
	}

	// drop if-exists of a missing name is a clean no-op.
	stmt = dropStmt(false, "ghost")
	stmt.Drop.IfExists = true
	res = mustExecute(t, c, s, stmt)
	assert.Empty(t, res.Dropped)

	_, err = c.Execute(context.Background(), s, dropStmt(false, "ghost"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
	}

	// A statement whose payload is missing never reaches the loop.
	_, err = c.Execute(context.Background(), s, &meridian.Statement{Kind: meridian.StatementSelect})
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidStatement))
	}
}

func TestReadWaitsForUpper(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})

	mustExecute(t, c, "ddl", createSource("clicks"))

	// The source has written nothing yet, so the read parks.
	ch := goExecute(c, "reader", selectStmt("clicks"))
	waitFor(t, "read to park", func() bool {
		return mustStatus(t, c).Sessions == 2
	})
	select {
	case got := <-ch:
		t.Fatalf("read completed before any data existed: %+v", got)
	default:
	}

	// Upper 10 means times 0 through 9 are complete; the read runs at 9,
	// the latest complete time.
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 10}))

	waitFor(t, "peek dispatch", func() bool { return len(eng.Peeks()) == 1 })
	peek := eng.Peeks()[0]
	assert.Equal(t, meridian.GlobalID(1), peek.ObjectID)
	assert.Equal(t, meridian.Timestamp(9), peek.Timestamp)

	rows := `[{"url":"/a"},{"url":"/b"}]`
	require.NoError(t, c.ReportPeekResult(meridian.PeekResult{PeekID: peek.PeekID, Rows: json.RawMessage(rows)}))

	got := awaitExec(t, ch)
	require.NoError(t, got.err)
	assert.Equal(t, meridian.Timestamp(9), got.res.Timestamp)
	assert.JSONEq(t, rows, string(got.res.Rows))

	assert.Equal(t, meridian.Timestamp(9), mustStatus(t, c).ReadWatermark)

	// The upper advance moved since behind it, and the floor was
	// propagated to the source's dataflow.
	waitFor(t, "compaction command", func() bool {
		return hasCompaction(eng.Compactions(), 1, 9)
	})
}

func TestSelectAsOf(t *testing.T) {
	eng := newAnsweringEngine(`[]`)
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	eng.attach(c)

	mustExecute(t, c, "ddl", createSource("clicks"))
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 10}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 10
	})

	// Readable history is [since, upper) = [9, 10).
	res := mustExecute(t, c, "s1", selectAsOf(9, "clicks"))
	assert.Equal(t, meridian.Timestamp(9), res.Timestamp)

	// Below since: that history is compacted away.
	_, err := c.Execute(context.Background(), "s1", selectAsOf(3, "clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidTimestamp))
	}

	// Beyond upper: the read queues until the upper passes it, which
	// here means until the caller gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Execute(ctx, "s2", selectAsOf(100, "clicks"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// As-of reads step outside the timeline: the watermark never moved.
	assert.Equal(t, meridian.Timestamp(0), mustStatus(t, c).ReadWatermark)
}

func TestReadStallTimeout(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng, ReadTimeout: 50 * time.Millisecond})

	mustExecute(t, c, "ddl", createSource("clicks"))

	// No upper ever arrives, so the parked read fails as stalled
	// instead of hanging forever.
	_, err := c.Execute(context.Background(), "reader", selectStmt("clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidTimestamp))
	}
}

func TestInsert(t *testing.T) {
	eng := newAnsweringEngine(`[{"a":1}]`)
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	eng.attach(c)

	mustExecute(t, c, "ddl", createTable("t"))

	// The first write lands past the empty table's upper.
	res := mustExecute(t, c, "w", insertStmt("t", `[{"a":1}]`))
	assert.Equal(t, meridian.Timestamp(1), res.Timestamp)

	inserts := eng.Inserts()
	require.Len(t, inserts, 1)
	assert.Equal(t, meridian.GlobalID(1), inserts[0].ObjectID)
	assert.Equal(t, meridian.Timestamp(1), inserts[0].Timestamp)
	assert.JSONEq(t, `[{"a":1}]`, string(inserts[0].Rows))

	// The engine applies the write and reports the upper past it; only
	// then does a read observe it.
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 2}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 2
	})
	res = mustExecute(t, c, "r", selectStmt("t"))
	assert.Equal(t, meridian.Timestamp(1), res.Timestamp)

	// The next write again lands past everything delivered.
	res = mustExecute(t, c, "w", insertStmt("t", `[{"a":2}]`))
	assert.Equal(t, meridian.Timestamp(3), res.Timestamp)

	// Inserts only apply to tables.
	mustExecute(t, c, "ddl", createSource("clicks"))
	_, err := c.Execute(context.Background(), "w", insertStmt("clicks", `[]`))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidStatement))
	}
	_, err = c.Execute(context.Background(), "w", insertStmt("ghost", `[]`))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
	}
}

func TestTransactionSnapshot(t *testing.T) {
	eng := newAnsweringEngine(`[]`)
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	eng.attach(c)
	ctx := context.Background()

	mustExecute(t, c, "ddl", createTable("accounts"))
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 1}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 1
	})

	require.NoError(t, c.Begin(ctx, "txn"))

	// The first read picks the transaction timestamp.
	res := mustExecute(t, c, "txn", selectStmt("accounts"))
	assert.Equal(t, meridian.Timestamp(0), res.Timestamp)

	// The world moves on under the transaction.
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 5}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 5
	})

	// The transaction's hold keeps its snapshot readable: since cannot
	// pass the transaction timestamp.
	assert.Equal(t, meridian.Timestamp(0), mustStatus(t, c).Frontiers[1].Since)

	// Later reads inside the transaction reuse its timestamp.
	res = mustExecute(t, c, "txn", selectStmt("accounts"))
	assert.Equal(t, meridian.Timestamp(0), res.Timestamp)

	// A read outside the transaction sees the newer world.
	res = mustExecute(t, c, "obs", selectStmt("accounts"))
	assert.Equal(t, meridian.Timestamp(4), res.Timestamp)

	// The transaction went read-mode on its first select; writes and DDL
	// refuse.
	_, err := c.Execute(ctx, "txn", insertStmt("accounts", `[]`))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidTransaction))
	}
	_, err = c.Execute(ctx, "txn", createTable("t2"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidStatement))
	}

	err = c.Begin(ctx, "txn")
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, coordinator.ErrTransactionInProgress))
	}

	// Commit releases the hold; since catches up and the floor
	// propagates to the engine.
	require.NoError(t, c.Commit(ctx, "txn"))
	waitFor(t, "since to advance", func() bool {
		return mustStatus(t, c).Frontiers[1].Since == 4
	})
	waitFor(t, "compaction command", func() bool {
		return hasCompaction(eng.Compactions(), 1, 4)
	})

	err = c.Commit(ctx, "txn")
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, coordinator.ErrNoActiveTransaction))
	}

	// The session reads normally again.
	res = mustExecute(t, c, "txn", selectStmt("accounts"))
	assert.Equal(t, meridian.Timestamp(4), res.Timestamp)
}

func TestWriteTransaction(t *testing.T) {
	eng := newAnsweringEngine(`[]`)
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	eng.attach(c)
	ctx := context.Background()

	mustExecute(t, c, "ddl", createTable("accounts"))
	mustExecute(t, c, "ddl", createTable("audit"))
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 3}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 3
	})

	require.NoError(t, c.Begin(ctx, "w"))

	// Buffered inserts carry no timestamp and nothing reaches the engine
	// before commit.
	res := mustExecute(t, c, "w", insertStmt("accounts", `[{"a":1}]`))
	assert.Equal(t, meridian.Timestamp(0), res.Timestamp)
	res = mustExecute(t, c, "w", insertStmt("audit", `[{"b":2}]`))
	assert.Equal(t, meridian.Timestamp(0), res.Timestamp)
	assert.Empty(t, eng.Inserts())

	// The transaction went write-mode on its first insert; reads refuse.
	_, err := c.Execute(ctx, "w", selectStmt("accounts"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrInvalidTransaction))
	}

	// Commit sends every buffered write at one timestamp past every
	// target's upper.
	require.NoError(t, c.Commit(ctx, "w"))
	inserts := eng.Inserts()
	require.Len(t, inserts, 2)
	assert.Equal(t, meridian.GlobalID(1), inserts[0].ObjectID)
	assert.Equal(t, meridian.GlobalID(2), inserts[1].ObjectID)
	assert.Equal(t, meridian.Timestamp(4), inserts[0].Timestamp)
	assert.Equal(t, inserts[0].Timestamp, inserts[1].Timestamp)

	// A rolled-back write transaction sends nothing.
	require.NoError(t, c.Begin(ctx, "w"))
	mustExecute(t, c, "w", insertStmt("accounts", `[{"a":9}]`))
	require.NoError(t, c.Rollback(ctx, "w"))
	assert.Len(t, eng.Inserts(), 2)
}

func TestDropRefusedWhileInUse(t *testing.T) {
	eng := newAnsweringEngine(`[]`)
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	eng.attach(c)
	ctx := context.Background()

	mustExecute(t, c, "ddl", createSource("clicks"))
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 10}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 10
	})

	require.NoError(t, c.Begin(ctx, "t1"))
	res := mustExecute(t, c, "t1", selectStmt("clicks"))
	assert.Equal(t, meridian.Timestamp(9), res.Timestamp)

	// The transaction holds the source's history; the drop is refused
	// rather than yanked out from under it.
	_, err := c.Execute(ctx, "ddl", dropStmt(false, "clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrDependentObjectsExist))
	}

	require.NoError(t, c.Rollback(ctx, "t1"))

	res = mustExecute(t, c, "ddl", dropStmt(false, "clicks"))
	assert.Equal(t, meridian.ObjectNames{"clicks"}, res.Dropped)

	waitFor(t, "dataflow teardown", func() bool {
		drops := eng.Drops()
		return len(drops) == 1 && drops[0] == meridian.NewDataflowID(1)
	})
	st := mustStatus(t, c)
	assert.Empty(t, st.Objects)
	assert.Empty(t, st.Frontiers)

	_, err = c.Execute(ctx, "r", selectStmt("clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
	}
}

func TestDropCascade(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	ctx := context.Background()

	mustExecute(t, c, "ddl", createSource("clicks"))
	mustExecute(t, c, "ddl", createView("by_url", "clicks"))
	mustExecute(t, c, "ddl", createIndex("by_url_idx", "by_url"))

	// Without cascade a dependent refuses the drop.
	_, err := c.Execute(ctx, "ddl", dropStmt(false, "clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrDependentObjectsExist))
	}

	// With cascade the whole dependent closure goes, dependents first.
	res := mustExecute(t, c, "ddl", dropStmt(true, "clicks"))
	assert.Equal(t, meridian.ObjectNames{"by_url_idx", "by_url", "clicks"}, res.Dropped)

	waitFor(t, "dataflow teardown", func() bool { return len(eng.Drops()) == 2 })
	assert.ElementsMatch(t, []meridian.DataflowID{
		meridian.NewDataflowID(1),
		meridian.NewDataflowID(3),
	}, eng.Drops())

	assert.Empty(t, mustStatus(t, c).Objects)
}

func TestParkedReadFailsOnDrop(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})

	mustExecute(t, c, "ddl", createSource("clicks"))

	// The read parks: no data yet. A parked read holds nothing, so the
	// drop goes through and the read fails on wake.
	ch := goExecute(c, "reader", selectStmt("clicks"))
	waitFor(t, "read to park", func() bool {
		return mustStatus(t, c).Sessions == 2
	})

	res := mustExecute(t, c, "ddl", dropStmt(false, "clicks"))
	assert.Equal(t, meridian.ObjectNames{"clicks"}, res.Dropped)

	got := awaitExec(t, ch)
	if assert.Error(t, got.err) {
		assert.True(t, errors.Is(got.err, meridian.ErrUnknownObject))
	}
}

func TestSubscription(t *testing.T) {
	eng := newAnsweringEngine(`[]`)
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	eng.attach(c)
	ctx := context.Background()

	mustExecute(t, c, "ddl", createSource("clicks"))
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 10}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 10
	})

	res := mustExecute(t, c, "sub", subscribeStmt("clicks"))
	assert.Equal(t, meridian.Timestamp(9), res.Timestamp)
	require.NotEmpty(t, res.PeekID)

	// The standing read pins the source's history.
	_, err := c.Execute(ctx, "ddl", dropStmt(false, "clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrDependentObjectsExist))
	}

	// Disconnecting the session tears the subscription down.
	require.NoError(t, c.CloseSession(ctx, "sub"))
	waitFor(t, "subscription cancel", func() bool {
		cancels := eng.Cancels()
		return len(cancels) == 1 && cancels[0] == res.PeekID
	})

	mustExecute(t, c, "ddl", dropStmt(false, "clicks"))
}

func TestInstallFailureRollsBack(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})
	ctx := context.Background()

	mustExecute(t, c, "ddl", createSource("clicks"))

	// The engine refuses the index's dataflow; the catalog entry the
	// statement created is rolled back so the catalog never describes a
	// dataflow that does not exist.
	eng.setFailCreates(true)
	_, err := c.Execute(ctx, "ddl", createIndex("idx", "clicks"))
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, meridian.ErrDataflowInstallation))
	}

	st := mustStatus(t, c)
	assert.Len(t, st.Objects, 1)
	assert.NotContains(t, st.Frontiers, meridian.GlobalID(2))
	assert.Equal(t, uint64(3), st.CatalogSequence)

	// Once the engine recovers the same statement succeeds.
	eng.setFailCreates(false)
	res := mustExecute(t, c, "ddl", createIndex("idx", "clicks"))
	assert.Equal(t, meridian.GlobalID(3), res.Object.ID)
}

func TestDataflowAckLifecycle(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})

	mustExecute(t, c, "ddl", createSource("clicks"))
	mustExecute(t, c, "ddl", createIndex("idx", "clicks"))
	df := meridian.NewDataflowID(2)

	// Until the index's dataflow hydrates, its install hold pins the
	// source's history at the dataflow as-of.
	require.NoError(t, c.ReportUpperAdvance(meridian.UpperAdvance{ObjectID: 1, Upper: 10}))
	waitFor(t, "upper to land", func() bool {
		return mustStatus(t, c).Frontiers[1].Upper == 10
	})
	assert.Equal(t, meridian.Timestamp(0), mustStatus(t, c).Frontiers[1].Since)
	assert.Empty(t, eng.Compactions())

	// The ready ack releases the install hold; since catches up and the
	// floor goes to the source's own dataflow and to the index's.
	require.NoError(t, c.ReportDataflowAck(meridian.DataflowAck{
		DataflowID: df,
		Status:     meridian.DataflowStatusReady,
	}))
	waitFor(t, "since to advance", func() bool {
		return mustStatus(t, c).Frontiers[1].Since == 9
	})
	waitFor(t, "compaction fan-out", func() bool {
		var own, dependent bool
		for _, cmd := range eng.Compactions() {
			if cmd.ObjectID != 1 || cmd.Since != 9 {
				continue
			}
			switch cmd.Dataflow {
			case meridian.NewDataflowID(1):
				own = true
			case df:
				dependent = true
			}
		}
		return own && dependent
	})

	assert.Equal(t, meridian.DataflowStatusReady, mustStatus(t, c).Dataflows[df])

	// The engine confirms the compaction it applied.
	require.NoError(t, c.ReportSinceConfirm(meridian.SinceConfirm{ObjectID: 1, Since: 9}))
	waitFor(t, "since confirm", func() bool {
		return mustStatus(t, c).ConfirmedSince[1] == 9
	})
}

func TestRegisterEngineWorkers(t *testing.T) {
	eng := newFakeEngine()
	c := mustStartCoordinator(t, coordinator.Config{Engine: eng})

	addrs := []meridian.Address{"worker1:9301", "worker2:9301"}
	require.NoError(t, c.RegisterEngineWorkers(context.Background(), addrs))

	assert.Equal(t, addrs, eng.Addrs())
	assert.Equal(t, addrs, mustStatus(t, c).Workers)
}

func TestRestartReconciles(t *testing.T) {
	eng := newFakeEngine()
	cat := newTestCatalog(t)
	ctx := context.Background()

	c1 := coordinator.New(coordinator.Config{Catalog: cat, Engine: eng})
	require.NoError(t, c1.Start(ctx))
	mustExecute(t, c1, "ddl", createSource("clicks"))
	mustExecute(t, c1, "ddl", createIndex("idx", "clicks"))
	require.NoError(t, c1.Stop())

	// A fresh coordinator over the same store reinstalls every
	// dataflow. Frontiers are runtime state and start over.
	c2 := mustStartCoordinator(t, coordinator.Config{Catalog: cat, Engine: eng})
	waitFor(t, "dataflow reinstall", func() bool { return len(eng.Dataflows()) == 4 })

	st := mustStatus(t, c2)
	assert.Len(t, st.Objects, 2)
	assert.Equal(t, meridian.Frontier{Since: 0, Upper: 0}, st.Frontiers[1])
	assert.Equal(t, meridian.Frontier{Since: 0, Upper: 0}, st.Frontiers[2])

	// Boot installs dispatch concurrently, so compare as a set.
	flows := eng.Dataflows()
	assert.ElementsMatch(t, []meridian.GlobalID{1, 2},
		[]meridian.GlobalID{flows[2].Target, flows[3].Target})
}
