// Package cache holds the fast read path: a per-task snapshot cache plus a
// creation-time ordering index over non-expired task ids. The two structures
// are always written in one atomic batch so a reader paging the index never
// observes a half-applied write.
//
// The cache never touches the database. Backend failures are returned to the
// caller, which is expected to swallow them (a failed cache write degrades to
// a miss that self-heals on the next read).
package cache

import (
	"context"
	"time"
)

// IndexEntry is one member of the ordering index: a task id scored by its
// immutable creation time.
type IndexEntry struct {
	ID        int64
	CreatedAt time.Time
}

type TaskCache interface {
	// PutTask writes the serialized snapshot with a TTL of
	// min(maxTTL, time-until-expiry) and upserts the id into the ordering
	// index, atomically. A snapshot whose expiry already passed is removed
	// from both structures instead.
	PutTask(ctx context.Context, id int64, snapshot []byte, createdAt time.Time, expiresAt *time.Time) error

	// GetTask returns (snapshot, true) on a hit; a plain miss is (nil,
	// false, nil), not an error.
	GetTask(ctx context.Context, id int64) ([]byte, bool, error)

	// DeleteTask removes the snapshot and the index entry atomically.
	DeleteTask(ctx context.Context, id int64) error

	// Page reads the zero-based rank window for page (1-based) in
	// descending creation-time order. ids is the authoritative page order;
	// ids whose snapshot did not resolve are listed in missing for the
	// caller to backfill from the database.
	Page(ctx context.Context, page, pageSize int) (ids []int64, snapshots map[int64][]byte, missing []int64, err error)

	// IndexExists reports whether the ordering index is present at all.
	// An absent index means the backend lost its data and a rebuild is due.
	IndexExists(ctx context.Context) (bool, error)

	// RebuildIndex replaces/overwrites index entries in bulk. Scores derive
	// from immutable creation times, so rebuilding is idempotent and safe
	// to run concurrently with reads and writes.
	RebuildIndex(ctx context.Context, entries []IndexEntry) error

	// Ping probes backend liveness for the health monitor.
	Ping(ctx context.Context) error
}
