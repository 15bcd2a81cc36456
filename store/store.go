package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/taskwire/taskwire/models"
)

// Retry policy for transient database failures (deadlocks, short-lived lock
// contention). Fixed delay, small budget; anything surviving the budget is
// surfaced to the caller as a durable failure.
const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
)

// Store is the durable adapter over the relational database. All task
// mutations go through its version-checked update/delete paths; transient
// failures are retried here so callers only ever see terminal errors.
type Store struct {
	db  *gorm.DB
	log *slog.Logger

	maxAttempts int
	retryDelay  time.Duration
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.Task{}, &models.AnalyticsCounter{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{
		db:          db,
		log:         slog.Default().With("system", "store"),
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}, nil
}

// TaskRef is the minimal projection needed to (re)build the ordering index.
type TaskRef struct {
	ID        int64
	CreatedAt time.Time
}

// TaskPatch carries the fields of an update; nil pointers leave the stored
// value untouched.
type TaskPatch struct {
	Title       *string
	Description *string
	Completed   *bool
	ExpiresAt   *time.Time
}

// withRetry runs op, retrying transient failures up to the attempt budget
// with a fixed delay. Terminal errors (not-found, version conflict, context
// cancellation) pass through on the first occurrence.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= s.maxAttempts {
			return err
		}
		s.log.Warn("transient database error, retrying", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.Version == 0 {
		task.Version = 1
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(task).Error
	})
}

// GetTask returns the task by id, treating expired rows as absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if task.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &task, nil
}

// GetTasksByIDs returns the non-expired tasks among ids. Missing or expired
// ids are silently absent from the result; callers use this to backfill a
// cache page and must tolerate holes.
func (s *Store) GetTasksByIDs(ctx context.Context, ids []int64) ([]models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tasks []models.Task
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListActiveTaskRefs returns id and creation time for every task not expired
// as of asOf, in no particular order. This is the source query for ordering
// index rebuilds.
func (s *Store) ListActiveTaskRefs(ctx context.Context, asOf time.Time) ([]TaskRef, error) {
	var refs []TaskRef
	err := s.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("expires_at IS NULL OR expires_at > ?", asOf).
		Select("id", "created_at").
		Find(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// ListPage reads a page of non-expired tasks ordered by creation time
// descending, straight from the database. This is the degraded read path
// used while the cache backend is unreachable.
func (s *Store) ListPage(ctx context.Context, page, pageSize int) ([]models.Task, error) {
	if page < 1 || pageSize < 1 {
		return nil, nil
	}
	var tasks []models.Task
	err := s.db.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask applies patch to the task iff the stored version still equals
// version, incrementing the version in the same statement. Returns the
// refreshed row on success, ErrVersionConflict if someone else won the race,
// ErrNotFound if the row is gone.
func (s *Store) UpdateTask(ctx context.Context, id, version int64, patch TaskPatch) (*models.Task, error) {
	updates := map[string]interface{}{
		"version": gorm.Expr("version + 1"),
	}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Completed != nil {
		updates["completed"] = *patch.Completed
	}
	if patch.ExpiresAt != nil {
		updates["expires_at"] = *patch.ExpiresAt
	}

	var out models.Task
	err := s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).
			Model(&models.Task{}).
			Where("id = ? AND version = ?", id, version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.classifyStaleWrite(ctx, id)
		}
		return s.db.WithContext(ctx).First(&out, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask removes the task iff the stored version still equals version.
func (s *Store) DeleteTask(ctx context.Context, id, version int64) error {
	return s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).
			Where("id = ? AND version = ?", id, version).
			Delete(&models.Task{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.classifyStaleWrite(ctx, id)
		}
		return nil
	})
}

// classifyStaleWrite disambiguates a zero-row version-checked write: if the
// row no longer exists the mutation hit a deleted task, otherwise somebody
// committed a newer version first.
func (s *Store) classifyStaleWrite(ctx context.Context, id int64) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}
