package models

import (
	"time"
)

// Task is the durable record for a single task. The Version column backs
// optimistic concurrency: every successful update increments it, and
// mutations carry the version they read so the store can reject stale writes.
type Task struct {
	ID          int64  `gorm:"primarykey"`
	Title       string `gorm:"not null"`
	Description string
	Completed   bool       `gorm:"not null;default:false"`
	ExpiresAt   *time.Time `gorm:"index"`
	Version     int64      `gorm:"not null;default:1"`
	CreatedAt   time.Time  `gorm:"index;not null"`
}

// Expired reports whether the task is logically deleted as of `now`. Expired
// tasks may still be physically present in the database; every read path
// must treat them as absent.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// View returns the externally visible snapshot of the task. This is the
// shape that gets serialized into the cache, returned from the API, and
// carried on fan-out events.
func (t *Task) View() *TaskView {
	return &TaskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		ExpiresAt:   t.ExpiresAt,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
	}
}

type TaskView struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AnalyticsCounter persists a named aggregate counter. The database row is
// the authority; the redis copy is a performance mirror that gets re-synced
// at startup and on every increment.
type AnalyticsCounter struct {
	ID        int64  `gorm:"primarykey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Value     int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}
