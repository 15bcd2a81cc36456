package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	data     []byte
	deadline time.Time
}

// MemTaskCache is a process-local TaskCache with the same observable
// semantics as the redis one, for tests and single-node development runs.
type MemTaskCache struct {
	mu      sync.Mutex
	maxTTL  time.Duration
	entries map[int64]memEntry
	index   map[int64]float64
	err     error
}

var _ TaskCache = (*MemTaskCache)(nil)

func NewMemTaskCache(maxTTL time.Duration) *MemTaskCache {
	return &MemTaskCache{
		maxTTL:  maxTTL,
		entries: make(map[int64]memEntry),
		index:   make(map[int64]float64),
	}
}

// FailWith makes every subsequent call return err, simulating a backend
// outage. Pass nil to bring the backend back. Clearing also wipes all data,
// matching a restarted redis that lost its state.
func (c *MemTaskCache) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && err == nil {
		c.entries = make(map[int64]memEntry)
		c.index = make(map[int64]float64)
	}
	c.err = err
}

func (c *MemTaskCache) PutTask(ctx context.Context, id int64, snapshot []byte, createdAt time.Time, expiresAt *time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	ttl := c.maxTTL
	if expiresAt != nil {
		remain := time.Until(*expiresAt)
		if remain <= 0 {
			delete(c.entries, id)
			delete(c.index, id)
			return nil
		}
		if remain < ttl {
			ttl = remain
		}
	}
	data := make([]byte, len(snapshot))
	copy(data, snapshot)
	c.entries[id] = memEntry{data: data, deadline: time.Now().Add(ttl)}
	c.index[id] = indexScore(createdAt)
	return nil
}

func (c *MemTaskCache) GetTask(ctx context.Context, id int64) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	entry, ok := c.entries[id]
	if !ok || time.Now().After(entry.deadline) {
		delete(c.entries, id)
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (c *MemTaskCache) DeleteTask(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.entries, id)
	delete(c.index, id)
	return nil
}

func (c *MemTaskCache) Page(ctx context.Context, page, pageSize int) ([]int64, map[int64][]byte, []int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, nil, nil, c.err
	}
	if page < 1 || pageSize < 1 || len(c.index) == 0 {
		return nil, nil, nil, nil
	}

	ordered := make([]int64, 0, len(c.index))
	for id := range c.index {
		ordered = append(ordered, id)
	}
	// descending score; ties broken by id descending, matching how redis
	// ZREVRANGE orders equal-score members
	sort.Slice(ordered, func(i, j int) bool {
		si, sj := c.index[ordered[i]], c.index[ordered[j]]
		if si != sj {
			return si > sj
		}
		return ordered[i] > ordered[j]
	})

	start := (page - 1) * pageSize
	if start >= len(ordered) {
		return nil, nil, nil, nil
	}
	end := start + pageSize
	if end > len(ordered) {
		end = len(ordered)
	}
	window := ordered[start:end]

	now := time.Now()
	ids := make([]int64, 0, len(window))
	snapshots := make(map[int64][]byte, len(window))
	var missing []int64
	for _, id := range window {
		ids = append(ids, id)
		entry, ok := c.entries[id]
		if !ok || now.After(entry.deadline) {
			missing = append(missing, id)
			continue
		}
		snapshots[id] = entry.data
	}
	return ids, snapshots, missing, nil
}

func (c *MemTaskCache) IndexExists(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return len(c.index) > 0, nil
}

func (c *MemTaskCache) RebuildIndex(ctx context.Context, entries []IndexEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, e := range entries {
		c.index[e.ID] = indexScore(e.CreatedAt)
	}
	return nil
}

func (c *MemTaskCache) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ttlFor reports the remaining lifetime of a cached snapshot; test helper.
func (c *MemTaskCache) ttlFor(id int64) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return time.Until(entry.deadline), true
}
