package taskd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskwire/taskwire/cache"
	"github.com/taskwire/taskwire/counters"
	"github.com/taskwire/taskwire/events"
	"github.com/taskwire/taskwire/models"
	"github.com/taskwire/taskwire/store"
)

var ErrEmptyTitle = errors.New("task title must not be empty")

// Engine is the cache-consistency core: it keeps the database, the redis
// snapshot cache, the ordering index, and the counters in agreement under
// concurrent writes and cache outages, and announces every mutation on the
// fan-out bus.
//
// The database commits first and is the only source of truth; cache and bus
// failures after the commit degrade behavior (slower reads, missed events)
// but never fail the request.
type Engine struct {
	store    *store.Store
	cache    cache.TaskCache
	counters *counters.Synchronizer
	bus      events.Bus
	pageSize int
	log      *slog.Logger
}

func NewEngine(st *store.Store, tc cache.TaskCache, cs *counters.Synchronizer, bus events.Bus, pageSize int) *Engine {
	return &Engine{
		store:    st,
		cache:    tc,
		counters: cs,
		bus:      bus,
		pageSize: pageSize,
		log:      slog.Default().With("system", "engine"),
	}
}

type TaskCreate struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type TaskUpdate struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Completed   *bool      `json:"completed"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// cacheTask write-throughs a snapshot. Cache failures are swallowed here:
// the database already committed, and a missing cache entry self-heals on
// the next read.
func (e *Engine) cacheTask(ctx context.Context, task *models.Task) {
	snapshot, err := json.Marshal(task.View())
	if err != nil {
		e.log.Error("unencodable task snapshot", "task", task.ID, "err", err)
		return
	}
	if err := e.cache.PutTask(ctx, task.ID, snapshot, task.CreatedAt, task.ExpiresAt); err != nil {
		cacheWriteFailures.Inc()
		e.log.Warn("cache write failed", "task", task.ID, "err", err)
	}
}

// publish is fire-and-forget: a fan-out failure never fails the mutation
// that triggered it.
func (e *Engine) publish(ctx context.Context, evt *events.Event) {
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.log.Warn("event publish failed", "kind", evt.Kind, "err", err)
	}
}

func (e *Engine) bumpCounter(ctx context.Context, c counters.Counter) {
	if _, err := e.counters.Increment(ctx, c); err != nil {
		e.log.Error("counter increment failed", "counter", c, "err", err)
	}
}

func (e *Engine) CreateTask(ctx context.Context, in TaskCreate) (*models.TaskView, error) {
	if in.Title == "" {
		return nil, ErrEmptyTitle
	}
	task := &models.Task{
		Title:       in.Title,
		Description: in.Description,
		Completed:   in.Completed,
		ExpiresAt:   in.ExpiresAt,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	e.cacheTask(ctx, task)
	e.bumpCounter(ctx, counters.TasksCreated)
	e.publish(ctx, events.NewTaskEvent(events.KindCreated, task.View()))
	return task.View(), nil
}

// GetTask is the cache-aside read: snapshot cache first, database on a
// miss, repopulating the cache on the way out. Cache errors degrade to a
// database read.
func (e *Engine) GetTask(ctx context.Context, id int64) (*models.TaskView, error) {
	snapshot, found, err := e.cache.GetTask(ctx, id)
	if err != nil {
		cacheMisses.Inc()
		e.log.Warn("cache read failed, falling back to database", "task", id, "err", err)
	} else if found {
		var view models.TaskView
		if err := json.Unmarshal(snapshot, &view); err == nil {
			cacheHits.Inc()
			return &view, nil
		}
		e.log.Warn("corrupt cached snapshot, falling back to database", "task", id)
	} else {
		cacheMisses.Inc()
	}

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheTask(ctx, task)
	return task.View(), nil
}

func (e *Engine) UpdateTask(ctx context.Context, id int64, in TaskUpdate) (*models.TaskView, error) {
	current, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	patch := store.TaskPatch{
		Title:       in.Title,
		Description: in.Description,
		Completed:   in.Completed,
		ExpiresAt:   in.ExpiresAt,
	}
	if patch.Title != nil && *patch.Title == "" {
		return nil, ErrEmptyTitle
	}

	// optimistic concurrency: carry the version we read; concurrent
	// writers race on it and exactly one wins
	updated, err := e.store.UpdateTask(ctx, id, current.Version, patch)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			versionConflicts.Inc()
		}
		return nil, err
	}

	e.cacheTask(ctx, updated)
	e.bumpCounter(ctx, counters.TasksUpdated)
	e.publish(ctx, events.NewTaskEvent(events.KindUpdated, updated.View()))
	return updated.View(), nil
}

func (e *Engine) DeleteTask(ctx context.Context, id int64) error {
	current, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if err := e.store.DeleteTask(ctx, id, current.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			versionConflicts.Inc()
		}
		return err
	}

	if err := e.cache.DeleteTask(ctx, id); err != nil {
		cacheWriteFailures.Inc()
		e.log.Warn("cache delete failed", "task", id, "err", err)
	}
	e.bumpCounter(ctx, counters.TasksDeleted)
	e.publish(ctx, events.NewDeletedEvent(id))
	return nil
}

// GetTasksPage serves "page N of most recently created tasks". The ordering
// index gives the authoritative order; missing snapshots are backfilled from
// the database (write-through) before answering. If the index is absent it
// is rebuilt synchronously first, and if the cache backend is unreachable
// the whole read degrades to a database page scan.
func (e *Engine) GetTasksPage(ctx context.Context, page int) ([]*models.TaskView, error) {
	exists, err := e.cache.IndexExists(ctx)
	if err != nil {
		return e.pageFromStore(ctx, page, err)
	}
	if !exists {
		e.log.Info("ordering index missing, rebuilding")
		if err := e.RebuildIndex(ctx); err != nil {
			e.log.Warn("index rebuild failed", "err", err)
			return e.pageFromStore(ctx, page, err)
		}
	}

	ids, snapshots, missing, err := e.cache.Page(ctx, page, e.pageSize)
	if err != nil {
		return e.pageFromStore(ctx, page, err)
	}

	resolved := make(map[int64]*models.TaskView, len(ids))
	for id, raw := range snapshots {
		var view models.TaskView
		if err := json.Unmarshal(raw, &view); err != nil {
			e.log.Warn("corrupt cached snapshot in page", "task", id)
			missing = append(missing, id)
			continue
		}
		resolved[id] = &view
	}

	if len(missing) > 0 {
		tasks, err := e.store.GetTasksByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("backfilling page: %w", err)
		}
		for i := range tasks {
			task := &tasks[i]
			e.cacheTask(ctx, task)
			resolved[task.ID] = task.View()
		}
	}

	// index order is authoritative; ids that resolved nowhere (deleted or
	// expired since the index was written) drop out of the page
	views := make([]*models.TaskView, 0, len(ids))
	for _, id := range ids {
		if view, ok := resolved[id]; ok {
			views = append(views, view)
		}
	}
	return views, nil
}

// pageFromStore is the degraded read path while the cache backend is down.
func (e *Engine) pageFromStore(ctx context.Context, page int, cause error) ([]*models.TaskView, error) {
	degradedPageReads.Inc()
	e.log.Warn("serving page from database, cache unavailable", "page", page, "err", cause)
	tasks, err := e.store.ListPage(ctx, page, e.pageSize)
	if err != nil {
		return nil, err
	}
	views := make([]*models.TaskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, tasks[i].View())
	}
	return views, nil
}

// RebuildIndex reloads the ordering index from the database. Idempotent:
// scores derive from immutable creation times.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	refs, err := e.store.ListActiveTaskRefs(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("querying index source: %w", err)
	}
	entries := make([]cache.IndexEntry, 0, len(refs))
	for _, ref := range refs {
		entries = append(entries, cache.IndexEntry{ID: ref.ID, CreatedAt: ref.CreatedAt})
	}
	if err := e.cache.RebuildIndex(ctx, entries); err != nil {
		return fmt.Errorf("writing index entries: %w", err)
	}
	indexRebuilds.Inc()
	e.log.Info("ordering index rebuilt", "entries", len(entries))
	return nil
}

// RecoverCache runs after the cache backend comes back from an outage: the
// backend may have restarted empty, so both the ordering index and the
// counter mirror are reconstructed from the database.
func (e *Engine) RecoverCache(ctx context.Context) error {
	if err := e.RebuildIndex(ctx); err != nil {
		return err
	}
	return e.counters.ReconcileAll(ctx)
}

// Counters returns every enumerated counter for the analytics endpoint.
func (e *Engine) Counters(ctx context.Context) (map[string]int64, error) {
	all, err := e.counters.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(all))
	for c, v := range all {
		out[c.String()] = v
	}
	return out, nil
}
