// Package counters keeps the aggregate task counters. The database row is
// the source of truth; redis carries a hot mirror that is corrected on every
// increment and re-seeded from the database at startup.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter is one of the fixed set of named counters. The set is closed:
// reconciliation and the analytics endpoint iterate over All().
type Counter string

const (
	TasksCreated Counter = "tasks_created"
	TasksUpdated Counter = "tasks_updated"
	TasksDeleted Counter = "tasks_deleted"
)

func All() []Counter {
	return []Counter{TasksCreated, TasksUpdated, TasksDeleted}
}

func (c Counter) String() string {
	return string(c)
}

// CounterStore is the cache-side mirror of the counters.
type CounterStore interface {
	// Increment atomically adds one and returns the new mirrored value.
	Increment(ctx context.Context, c Counter) (int64, error)

	// Get returns (value, true) if the counter is mirrored; an absent
	// mirror is (0, false, nil), not an error and never a fabricated zero.
	Get(ctx context.Context, c Counter) (int64, bool, error)

	// Set force-writes the mirror, used when the database wins a skew.
	Set(ctx context.Context, c Counter, value int64) error
}

const redisCounterPrefix = "counter:"

// RedisCounterStore mirrors counters under "counter:{name}" keys, no TTL.
type RedisCounterStore struct {
	client *redis.Client
}

var _ CounterStore = (*RedisCounterStore)(nil)

func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: rdb}
}

func counterKey(c Counter) string {
	return redisCounterPrefix + string(c)
}

func (s *RedisCounterStore) Increment(ctx context.Context, c Counter) (int64, error) {
	return s.client.Incr(ctx, counterKey(c)).Result()
}

func (s *RedisCounterStore) Get(ctx context.Context, c Counter) (int64, bool, error) {
	val, err := s.client.Get(ctx, counterKey(c)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt counter value %q: %w", val, err)
	}
	return n, true, nil
}

func (s *RedisCounterStore) Set(ctx context.Context, c Counter, value int64) error {
	return s.client.Set(ctx, counterKey(c), value, 0).Err()
}

// MemCounterStore is a process-local CounterStore for tests.
type MemCounterStore struct {
	mu     sync.Mutex
	values map[Counter]int64
	err    error
}

var _ CounterStore = (*MemCounterStore)(nil)

func NewMemCounterStore() *MemCounterStore {
	return &MemCounterStore{values: make(map[Counter]int64)}
}

// FailWith makes every subsequent call return err; nil restores service and
// wipes the mirror, like a restarted redis.
func (s *MemCounterStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && err == nil {
		s.values = make(map[Counter]int64)
	}
	s.err = err
}

func (s *MemCounterStore) Increment(ctx context.Context, c Counter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.values[c]++
	return s.values[c], nil
}

func (s *MemCounterStore) Get(ctx context.Context, c Counter) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, false, s.err
	}
	v, ok := s.values[c]
	return v, ok, nil
}

func (s *MemCounterStore) Set(ctx context.Context, c Counter, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[c] = value
	return nil
}
