package taskd

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskwire/taskwire/cache"
	"github.com/taskwire/taskwire/counters"
	"github.com/taskwire/taskwire/events"
	"github.com/taskwire/taskwire/models"
	"github.com/taskwire/taskwire/store"
)

type testHarness struct {
	engine *Engine
	store  *store.Store
	cache  *cache.MemTaskCache
	cstore *counters.MemCounterStore
	bus    *events.MemBus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	st, err := store.NewStore(db)
	require.NoError(t, err)

	tc := cache.NewMemTaskCache(time.Hour)
	cs := counters.NewMemCounterStore()
	bus := events.NewMemBus()
	syncer := counters.NewSynchronizer(cs, st, bus)

	return &testHarness{
		engine: NewEngine(st, tc, syncer, bus, 20),
		store:  st,
		cache:  tc,
		cstore: cs,
		bus:    bus,
	}
}

func recvEvent(t *testing.T, ch <-chan *events.Event, kind string) *events.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
			// counter events interleave with task events; skip others
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return nil
		}
	}
}

func TestCreateTaskCachesAndAnnounces(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	sub, cleanup, err := h.bus.Subscribe(ctx, "test")
	require.NoError(t, err)
	defer cleanup()

	view, err := h.engine.CreateTask(ctx, TaskCreate{Title: "ship it", Description: "today"})
	require.NoError(t, err)
	assert.NotZero(view.ID)
	assert.Equal(int64(1), view.Version)

	// cached snapshot is byte-for-byte the view we returned
	raw, found, err := h.cache.GetTask(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, found)
	var cached models.TaskView
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(*view, cached)

	// a subsequent read is served from the cache and matches the create
	got, err := h.engine.GetTask(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(view, got)

	evt := recvEvent(t, sub, events.KindCreated)
	require.NotNil(t, evt.Task)
	assert.Equal(view.ID, evt.Task.ID)

	v, err := h.engine.counters.Get(ctx, counters.TasksCreated)
	require.NoError(t, err)
	assert.Equal(int64(1), v)
}

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.CreateTask(ctx, TaskCreate{Title: ""})
	assert.ErrorIs(t, err, ErrEmptyTitle)
}

func TestCreateExpiredTaskIsInvisible(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	past := time.Now().Add(-time.Second)
	view, err := h.engine.CreateTask(ctx, TaskCreate{Title: "born dead", ExpiresAt: &past})
	require.NoError(t, err)

	// no cache entry was written
	_, found, err := h.cache.GetTask(ctx, view.ID)
	require.NoError(t, err)
	assert.False(found)

	// and the read path treats it as absent
	_, err = h.engine.GetTask(ctx, view.ID)
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestGetTaskCacheMissRepopulates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	// row exists in the database but the cache knows nothing about it
	task := &models.Task{Title: "cold read"}
	require.NoError(t, h.store.CreateTask(ctx, task))

	view, err := h.engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal("cold read", view.Title)

	// the miss backfilled the cache
	_, found, err := h.cache.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(found)
}

func TestUpdateTaskFlow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	view, err := h.engine.CreateTask(ctx, TaskCreate{Title: "draft"})
	require.NoError(t, err)

	sub, cleanup, err := h.bus.Subscribe(ctx, "test")
	require.NoError(t, err)
	defer cleanup()

	title := "final"
	done := true
	updated, err := h.engine.UpdateTask(ctx, view.ID, TaskUpdate{Title: &title, Completed: &done})
	require.NoError(t, err)
	assert.Equal("final", updated.Title)
	assert.True(updated.Completed)
	assert.Equal(int64(2), updated.Version)

	evt := recvEvent(t, sub, events.KindUpdated)
	assert.Equal(int64(2), evt.Task.Version)

	// cache reflects the new version
	got, err := h.engine.GetTask(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(updated, got)

	_, err = h.engine.UpdateTask(ctx, view.ID+999, TaskUpdate{Title: &title})
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestDeleteTaskFlow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	view, err := h.engine.CreateTask(ctx, TaskCreate{Title: "doomed"})
	require.NoError(t, err)

	sub, cleanup, err := h.bus.Subscribe(ctx, "test")
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, h.engine.DeleteTask(ctx, view.ID))

	evt := recvEvent(t, sub, events.KindDeleted)
	require.NotNil(t, evt.ID)
	assert.Equal(view.ID, *evt.ID)

	_, err = h.engine.GetTask(ctx, view.ID)
	assert.ErrorIs(err, store.ErrNotFound)
	_, found, err := h.cache.GetTask(ctx, view.ID)
	require.NoError(t, err)
	assert.False(found)

	assert.ErrorIs(h.engine.DeleteTask(ctx, view.ID), store.ErrNotFound)
}

// seedTasks creates n rows directly in the database with spread-out
// creation times, without touching the cache.
func seedTasks(t *testing.T, h *testHarness, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-24 * time.Hour)
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		task := &models.Task{
			Title:     "seeded",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, h.store.CreateTask(ctx, task))
		ids = append(ids, task.ID)
	}
	return ids
}

func TestPageMissingIndexRebuildsAndBackfills(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	ids := seedTasks(t, h, 25)

	// no index, no snapshots: the page call must rebuild the index
	// synchronously and backfill every snapshot from the database
	page1, err := h.engine.GetTasksPage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, page1, 20)
	assert.Equal(ids[24], page1[0].ID) // newest first
	assert.Equal(ids[5], page1[19].ID)

	page2, err := h.engine.GetTasksPage(ctx, 2)
	require.NoError(t, err)
	require.Len(t, page2, 5)
	assert.Equal(ids[4], page2[0].ID)
	assert.Equal(ids[0], page2[4].ID)

	// the backfill write-through populated the cache
	_, found, err := h.cache.GetTask(ctx, ids[24])
	require.NoError(t, err)
	assert.True(found)

	// beyond the data: empty page, no error
	page3, err := h.engine.GetTasksPage(ctx, 3)
	require.NoError(t, err)
	assert.Empty(page3)
}

func TestPageSkipsRecordsDeletedAfterIndexing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	ids := seedTasks(t, h, 3)
	require.NoError(t, h.engine.RebuildIndex(ctx))

	// delete one row from the database only, leaving the index entry
	// behind, as a delete racing a rebuild would
	task, err := h.store.GetTask(ctx, ids[1])
	require.NoError(t, err)
	require.NoError(t, h.store.DeleteTask(ctx, ids[1], task.Version))

	page, err := h.engine.GetTasksPage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(ids[2], page[0].ID)
	assert.Equal(ids[0], page[1].ID)
}

func TestPageDegradesToDatabaseDuringOutage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	ids := seedTasks(t, h, 5)
	h.cache.FailWith(errors.New("connection refused"))

	page, err := h.engine.GetTasksPage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(ids[4], page[0].ID)

	// single-record reads also fall back to the database
	view, err := h.engine.GetTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(ids[0], view.ID)
}

func TestRecoveryAfterCacheRestart(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	before, err := h.engine.CreateTask(ctx, TaskCreate{Title: "before outage"})
	require.NoError(t, err)
	require.NoError(t, h.engine.RebuildIndex(ctx))

	// cache backend goes down; a write lands database-only
	h.cache.FailWith(errors.New("connection refused"))
	h.cstore.FailWith(errors.New("connection refused"))
	during, err := h.engine.CreateTask(ctx, TaskCreate{Title: "during outage"})
	require.NoError(t, err)

	// backend comes back empty; recovery rebuilds index and counters
	h.cache.FailWith(nil)
	h.cstore.FailWith(nil)
	require.NoError(t, h.engine.RecoverCache(ctx))

	page, err := h.engine.GetTasksPage(ctx, 1)
	require.NoError(t, err)
	gotIDs := make([]int64, 0, len(page))
	for _, v := range page {
		gotIDs = append(gotIDs, v.ID)
	}
	assert.Contains(gotIDs, before.ID)
	assert.Contains(gotIDs, during.ID)

	// counter mirror equals durable history again
	v, ok, err := h.cstore.Get(ctx, counters.TasksCreated)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(int64(2), v)
}

func TestCountersEndpointValues(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	view, err := h.engine.CreateTask(ctx, TaskCreate{Title: "count me"})
	require.NoError(t, err)
	title := "counted"
	_, err = h.engine.UpdateTask(ctx, view.ID, TaskUpdate{Title: &title})
	require.NoError(t, err)
	require.NoError(t, h.engine.DeleteTask(ctx, view.ID))

	all, err := h.engine.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(int64(1), all["tasks_created"])
	assert.Equal(int64(1), all["tasks_updated"])
	assert.Equal(int64(1), all["tasks_deleted"])
}

func TestRebuildIndexIdempotentAtEngineLevel(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness(t)

	seedTasks(t, h, 7)
	require.NoError(t, h.engine.RebuildIndex(ctx))
	first, err := h.engine.GetTasksPage(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, h.engine.RebuildIndex(ctx))
	second, err := h.engine.GetTasksPage(ctx, 1)
	require.NoError(t, err)

	require.Len(t, second, 7)
	for i := range first {
		assert.Equal(first[i].ID, second[i].ID)
	}
}
