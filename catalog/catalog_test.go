package catalog_test

import (
	"context"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/boltdb"
	"github.com/meridiandb/meridian/catalog"
	catalogboltdb "github.com/meridiandb/meridian/catalog/boltdb"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	testbolt "github.com/meridiandb/meridian/test/boltdb"
)

func obj(name string, kind meridian.ObjectKind, deps ...meridian.GlobalID) *meridian.Object {
	return &meridian.Object{
		Name:      meridian.ObjectName(name),
		Kind:      kind,
		DependsOn: meridian.GlobalIDs(deps),
	}
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()

	db := testbolt.MustOpenDB(t)
	defer testbolt.MustCloseDB(t, db)

	t.Cleanup(func() {
		testbolt.CleanupDB(t, db.Path())
	})

	// Initialize the buckets.
	assert.NoError(t, db.InitializeBuckets(catalogboltdb.StoreBuckets...))

	store := catalogboltdb.NewStore(boltdb.NewTransactor(db), logger.NopLogger)

	t.Run("CreateAndLookup", func(t *testing.T) {
		c := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		tx := c.Begin()

		src, err := tx.CreateObject(obj("orders", meridian.ObjectKindSource))
		assert.NoError(t, err)
		assert.Equal(t, meridian.GlobalID(1), src.ID)
		assert.NotZero(t, src.CreatedAt)

		idx, err := tx.CreateObject(obj("orders_by_id", meridian.ObjectKindIndex, src.ID))
		assert.NoError(t, err)
		assert.Equal(t, meridian.GlobalID(2), idx.ID)

		// Name collision inside the same transaction.
		_, err = tx.CreateObject(obj("orders", meridian.ObjectKindTable))
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrNameCollision))
		}

		// Unknown dependency.
		_, err = tx.CreateObject(obj("bad", meridian.ObjectKindView, meridian.GlobalID(99)))
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
		}

		// Invalid compaction window.
		_, err = tx.CreateObject(&meridian.Object{
			Name:             "windowed",
			Kind:             meridian.ObjectKindSource,
			CompactionWindow: "nonsense",
		})
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrInvalidCompactionWindow))
		}

		// Nothing is visible until commit.
		_, ok := c.Snapshot().ObjectByName("orders")
		assert.False(t, ok)

		assert.NoError(t, c.Commit(ctx, tx))

		got, ok := c.Snapshot().ObjectByName("orders")
		assert.True(t, ok)
		assert.Equal(t, src, got)

		got, ok = c.Snapshot().Object(idx.ID)
		assert.True(t, ok)
		assert.Equal(t, idx, got)

		assert.Equal(t, meridian.Objects{src, idx}, c.Snapshot().Objects())
		assert.Equal(t, meridian.GlobalIDs{idx.ID}, c.Snapshot().Dependents(src.ID))
	})

	t.Run("DropRespectsDependents", func(t *testing.T) {
		c := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		// Dropping the source while the index reads it is refused.
		tx := c.Begin()
		_, err := tx.DropObject("orders", false)
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrDependentObjectsExist))
		}

		// Dropping in dependency order succeeds.
		tx = c.Begin()
		dropped, err := tx.DropObject("orders_by_id", false)
		assert.NoError(t, err)
		assert.Len(t, dropped, 1)

		dropped, err = tx.DropObject("orders", false)
		assert.NoError(t, err)
		assert.Len(t, dropped, 1)

		_, err = tx.DropObject("orders", false)
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
		}

		assert.NoError(t, c.Commit(ctx, tx))
		assert.Equal(t, 0, c.Snapshot().Len())
	})

	t.Run("DropCascade", func(t *testing.T) {
		c := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		tx := c.Begin()
		src, err := tx.CreateObject(obj("events", meridian.ObjectKindSource))
		assert.NoError(t, err)
		idx, err := tx.CreateObject(obj("events_idx", meridian.ObjectKindIndex, src.ID))
		assert.NoError(t, err)
		view, err := tx.CreateObject(obj("events_view", meridian.ObjectKindView, idx.ID))
		assert.NoError(t, err)
		sink, err := tx.CreateObject(obj("events_out", meridian.ObjectKindSink, view.ID))
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))

		assert.Equal(t,
			meridian.GlobalIDs{sink.ID, view.ID, idx.ID},
			c.Snapshot().TransitiveDependents(src.ID))

		// Cascade drops deepest first, then the target itself.
		tx = c.Begin()
		dropped, err := tx.DropObject("events", true)
		assert.NoError(t, err)
		assert.Equal(t, meridian.Objects{sink, view, idx, src}, dropped)
		assert.NoError(t, c.Commit(ctx, tx))

		assert.Equal(t, 0, c.Snapshot().Len())
	})

	t.Run("Rename", func(t *testing.T) {
		c := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		tx := c.Begin()
		a, err := tx.CreateObject(obj("alpha", meridian.ObjectKindTable))
		assert.NoError(t, err)
		_, err = tx.CreateObject(obj("beta", meridian.ObjectKindTable))
		assert.NoError(t, err)

		_, err = tx.RenameObject("alpha", "beta")
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrNameCollision))
		}

		_, err = tx.RenameObject("missing", "gamma")
		if assert.Error(t, err) {
			assert.True(t, errors.Is(err, meridian.ErrUnknownObject))
		}

		renamed, err := tx.RenameObject("alpha", "gamma")
		assert.NoError(t, err)
		assert.Equal(t, a.ID, renamed.ID)
		assert.NoError(t, c.Commit(ctx, tx))

		_, ok := c.Snapshot().ObjectByName("alpha")
		assert.False(t, ok)
		got, ok := c.Snapshot().ObjectByName("gamma")
		assert.True(t, ok)
		assert.Equal(t, a.ID, got.ID)

		// Clean up for the following subtests.
		tx = c.Begin()
		_, err = tx.DropObject("gamma", false)
		assert.NoError(t, err)
		_, err = tx.DropObject("beta", false)
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))
	})

	t.Run("ReloadReplaysLog", func(t *testing.T) {
		c := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		tx := c.Begin()
		src, err := tx.CreateObject(obj("clicks", meridian.ObjectKindSource))
		assert.NoError(t, err)
		_, err = tx.CreateObject(obj("clicks_idx", meridian.ObjectKindIndex, src.ID))
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))

		tx = c.Begin()
		_, err = tx.RenameObject("clicks_idx", "clicks_by_user")
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))

		// A fresh catalog on the same store sees identical state.
		c2 := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c2.Load(ctx))

		if diff := deep.Equal(c.Snapshot().Objects(), c2.Snapshot().Objects()); diff != nil {
			t.Fatal("replayed catalog differs: \n" + strings.Join(diff, "\n"))
		}
		assert.Equal(t, c.Sequence(), c2.Sequence())

		got, ok := c2.Snapshot().ObjectByName("clicks_by_user")
		assert.True(t, ok)
		assert.Equal(t, meridian.GlobalIDs{got.ID}, c2.Snapshot().Dependents(src.ID))
	})

	t.Run("IdsNeverReused", func(t *testing.T) {
		// Snapshot after every commit, so the compacted snapshot is
		// what carries the id sequence forward.
		c := catalog.New(catalog.Config{Store: store, SnapshotEvery: 1, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		tx := c.Begin()
		tmp, err := tx.CreateObject(obj("throwaway", meridian.ObjectKindTable))
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))

		tx = c.Begin()
		_, err = tx.DropObject("throwaway", false)
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))

		c2 := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c2.Load(ctx))

		tx = c2.Begin()
		next, err := tx.CreateObject(obj("fresh", meridian.ObjectKindTable))
		assert.NoError(t, err)
		assert.True(t, next.ID > tmp.ID)
		assert.NoError(t, c2.Commit(ctx, tx))

		tx = c2.Begin()
		_, err = tx.DropObject("fresh", false)
		assert.NoError(t, err)
		assert.NoError(t, c2.Commit(ctx, tx))
	})

	t.Run("InoperableIsRuntimeOnly", func(t *testing.T) {
		c := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c.Load(ctx))

		tx := c.Begin()
		src, err := tx.CreateObject(obj("flaky", meridian.ObjectKindSource))
		assert.NoError(t, err)
		assert.NoError(t, c.Commit(ctx, tx))

		c.MarkInoperable(src.ID, "dataflow install failed")
		got, _ := c.Snapshot().Object(src.ID)
		assert.True(t, got.Inoperable)
		assert.Equal(t, "dataflow install failed", got.InoperableReason)

		// The flag never reaches the store.
		c2 := catalog.New(catalog.Config{Store: store, Logger: logger.NopLogger})
		assert.NoError(t, c2.Load(ctx))
		got, _ = c2.Snapshot().Object(src.ID)
		assert.False(t, got.Inoperable)

		c.ClearInoperable(src.ID)
		got, _ = c.Snapshot().Object(src.ID)
		assert.False(t, got.Inoperable)
	})
}
