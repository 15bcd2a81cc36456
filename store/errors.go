package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound means the record is absent (or already expired) in the
	// database. Terminal; surfaced to the caller unchanged.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict means the optimistic version check failed because
	// another request committed a newer version in between. Terminal and
	// never retried here; the caller must re-read and try again.
	ErrVersionConflict = errors.New("task was modified by another request")
)

// isTransient classifies database errors that are worth a bounded retry:
// serialization failures reported as deadlocks (postgres) and short-lived
// lock contention (sqlite). Conflict and not-found are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"deadlock detected",
		"database is locked",
		"database table is locked",
		"could not serialize access",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
