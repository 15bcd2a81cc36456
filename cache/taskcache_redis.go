package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix = "task:"
	indexKey      = "tasks_sorted"

	// cap on entries per rebuild pipeline, so a full rebuild of a large
	// table doesn't buffer one giant command batch
	rebuildChunkSize = 1000
)

// RedisTaskCache keeps task snapshots under "task:{id}" string keys and the
// ordering index in the "tasks_sorted" sorted set, scored by creation time.
type RedisTaskCache struct {
	client *redis.Client
	maxTTL time.Duration
	log    *slog.Logger
}

var _ TaskCache = (*RedisTaskCache)(nil)

func NewRedisTaskCache(redisURL string, maxTTL time.Duration) (*RedisTaskCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisTaskCacheWithClient(rdb, maxTTL), nil
}

// NewRedisTaskCacheWithClient wraps an existing client, for sharing one
// connection pool across components.
func NewRedisTaskCacheWithClient(rdb *redis.Client, maxTTL time.Duration) *RedisTaskCache {
	return &RedisTaskCache{
		client: rdb,
		maxTTL: maxTTL,
		log:    slog.Default().With("system", "taskcache"),
	}
}

// Client exposes the underlying connection for components that share the
// pool (counters, pubsub, rate limiting).
func (c *RedisTaskCache) Client() *redis.Client {
	return c.client
}

// ConfigureMemoryPolicy best-effort applies a maxmemory cap with LFU
// eviction. Managed redis deployments reject CONFIG, so failures are logged
// and ignored.
func (c *RedisTaskCache) ConfigureMemoryPolicy(ctx context.Context, maxMemory string) {
	if maxMemory == "" {
		return
	}
	if err := c.client.ConfigSet(ctx, "maxmemory", maxMemory).Err(); err != nil {
		c.log.Warn("could not set redis maxmemory", "err", err)
		return
	}
	if err := c.client.ConfigSet(ctx, "maxmemory-policy", "allkeys-lfu").Err(); err != nil {
		c.log.Warn("could not set redis maxmemory-policy", "err", err)
	}
}

func taskKey(id int64) string {
	return taskKeyPrefix + strconv.FormatInt(id, 10)
}

func indexScore(createdAt time.Time) float64 {
	return float64(createdAt.UnixNano()) / float64(time.Second)
}

func (c *RedisTaskCache) PutTask(ctx context.Context, id int64, snapshot []byte, createdAt time.Time, expiresAt *time.Time) error {
	key := taskKey(id)

	// snapshot write and index upsert share one pipeline: a concurrent
	// pager never sees the index ahead of the snapshot or vice versa
	pipe := c.client.Pipeline()
	if expiresAt != nil {
		ttl := time.Until(*expiresAt)
		if ttl <= 0 {
			// already expired: logically deleted everywhere
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, indexKey, id)
			_, err := pipe.Exec(ctx)
			return err
		}
		if ttl > c.maxTTL {
			ttl = c.maxTTL
		}
		pipe.Set(ctx, key, snapshot, ttl)
	} else {
		pipe.Set(ctx, key, snapshot, c.maxTTL)
	}
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: indexScore(createdAt), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisTaskCache) GetTask(ctx context.Context, id int64) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisTaskCache) DeleteTask(ctx context.Context, id int64) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.ZRem(ctx, indexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisTaskCache) Page(ctx context.Context, page, pageSize int) ([]int64, map[int64][]byte, []int64, error) {
	if page < 1 || pageSize < 1 {
		return nil, nil, nil, nil
	}
	start := int64((page - 1) * pageSize)
	stop := start + int64(pageSize) - 1

	members, err := c.client.ZRevRange(ctx, indexKey, start, stop).Result()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, nil, nil
	}

	ids := make([]int64, 0, len(members))
	pipe := c.client.Pipeline()
	gets := make([]*redis.StringCmd, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("unparseable index member %q: %w", member, err)
		}
		ids = append(ids, id)
		gets = append(gets, pipe.Get(ctx, taskKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, nil, err
	}

	snapshots := make(map[int64][]byte, len(ids))
	var missing []int64
	for i, cmd := range gets {
		data, err := cmd.Bytes()
		switch {
		case err == redis.Nil:
			missing = append(missing, ids[i])
		case err != nil:
			return nil, nil, nil, err
		default:
			snapshots[ids[i]] = data
		}
	}
	return ids, snapshots, missing, nil
}

func (c *RedisTaskCache) IndexExists(ctx context.Context) (bool, error) {
	n, err := c.client.Exists(ctx, indexKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisTaskCache) RebuildIndex(ctx context.Context, entries []IndexEntry) error {
	for len(entries) > 0 {
		chunk := entries
		if len(chunk) > rebuildChunkSize {
			chunk = entries[:rebuildChunkSize]
		}
		entries = entries[len(chunk):]

		pipe := c.client.Pipeline()
		for _, e := range chunk {
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: indexScore(e.CreatedAt), Member: e.ID})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisTaskCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
