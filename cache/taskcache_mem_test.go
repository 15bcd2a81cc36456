package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxTTL = time.Hour

func TestPutTaskTTLCaps(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)
	created := time.Now()

	// no expiry: full max TTL
	require.NoError(t, c.PutTask(ctx, 1, []byte(`{"id":1}`), created, nil))
	ttl, ok := c.ttlFor(1)
	require.True(t, ok)
	assert.InDelta(testMaxTTL.Seconds(), ttl.Seconds(), 1.0)

	// expiry sooner than the cap: entry must not outlive the expiry
	soon := time.Now().Add(10 * time.Minute)
	require.NoError(t, c.PutTask(ctx, 2, []byte(`{"id":2}`), created, &soon))
	ttl, ok = c.ttlFor(2)
	require.True(t, ok)
	assert.InDelta((10 * time.Minute).Seconds(), ttl.Seconds(), 1.0)

	// expiry past the cap: cap wins
	far := time.Now().Add(48 * time.Hour)
	require.NoError(t, c.PutTask(ctx, 3, []byte(`{"id":3}`), created, &far))
	ttl, ok = c.ttlFor(3)
	require.True(t, ok)
	assert.InDelta(testMaxTTL.Seconds(), ttl.Seconds(), 1.0)
}

func TestPutTaskAlreadyExpired(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)
	created := time.Now()

	require.NoError(t, c.PutTask(ctx, 7, []byte(`{"id":7}`), created, nil))

	// re-putting with a past expiry removes the entry instead of writing
	past := time.Now().Add(-time.Second)
	require.NoError(t, c.PutTask(ctx, 7, []byte(`{"id":7}`), created, &past))

	_, found, err := c.GetTask(ctx, 7)
	require.NoError(t, err)
	assert.False(found)

	exists, err := c.IndexExists(ctx)
	require.NoError(t, err)
	assert.False(exists)
}

func TestGetTaskMissIsNotAnError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)

	data, found, err := c.GetTask(ctx, 99)
	require.NoError(t, err)
	assert.False(found)
	assert.Nil(data)
}

func TestDeleteTaskRemovesBoth(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)

	require.NoError(t, c.PutTask(ctx, 5, []byte(`{"id":5}`), time.Now(), nil))
	require.NoError(t, c.DeleteTask(ctx, 5))

	_, found, err := c.GetTask(ctx, 5)
	require.NoError(t, err)
	assert.False(found)
	exists, err := c.IndexExists(ctx)
	require.NoError(t, err)
	assert.False(exists)
}

func putN(t *testing.T, c TaskCache, n int, base time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		snapshot := []byte(fmt.Sprintf(`{"id":%d}`, i))
		require.NoError(t, c.PutTask(ctx, int64(i), snapshot, created, nil))
	}
}

func TestPagingStable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)
	putN(t, c, 50, time.Now().Add(-2*time.Hour))

	page1, snaps1, missing1, err := c.Page(ctx, 1, 20)
	require.NoError(t, err)
	page2, _, _, err := c.Page(ctx, 2, 20)
	require.NoError(t, err)
	page3, _, _, err := c.Page(ctx, 3, 20)
	require.NoError(t, err)

	assert.Empty(missing1)
	assert.Len(snaps1, 20)
	assert.Len(page1, 20)
	assert.Len(page2, 20)
	assert.Len(page3, 10)

	// most recent first: ids 50..31, then 30..11, then 10..1
	assert.Equal(int64(50), page1[0])
	assert.Equal(int64(31), page1[19])
	assert.Equal(int64(30), page2[0])
	assert.Equal(int64(1), page3[9])

	// disjoint and contiguous
	seen := map[int64]bool{}
	for _, id := range append(append(append([]int64{}, page1...), page2...), page3...) {
		assert.False(seen[id])
		seen[id] = true
	}
	assert.Len(seen, 50)

	// beyond the end: empty triple
	page4, snaps4, missing4, err := c.Page(ctx, 4, 20)
	require.NoError(t, err)
	assert.Empty(page4)
	assert.Empty(snaps4)
	assert.Empty(missing4)
}

func TestPageReportsMissingSnapshots(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)
	putN(t, c, 5, time.Now().Add(-time.Hour))

	// evict two snapshots without touching the index, as a TTL expiry would
	c.mu.Lock()
	delete(c.entries, 2)
	delete(c.entries, 4)
	c.mu.Unlock()

	ids, snaps, missing, err := c.Page(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal([]int64{5, 4, 3, 2, 1}, ids)
	assert.Len(snaps, 3)
	assert.ElementsMatch([]int64{4, 2}, missing)
}

func TestRebuildIndexIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)

	base := time.Now().Add(-time.Hour)
	entries := []IndexEntry{
		{ID: 1, CreatedAt: base.Add(time.Minute)},
		{ID: 2, CreatedAt: base.Add(2 * time.Minute)},
		{ID: 3, CreatedAt: base.Add(3 * time.Minute)},
	}

	require.NoError(t, c.RebuildIndex(ctx, entries))
	first, _, _, err := c.Page(ctx, 1, 10)
	require.NoError(t, err)

	require.NoError(t, c.RebuildIndex(ctx, entries))
	second, _, _, err := c.Page(ctx, 1, 10)
	require.NoError(t, err)

	assert.Equal(first, second)
	assert.Equal([]int64{3, 2, 1}, first)
}

func TestFailWithSimulatesOutage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := NewMemTaskCache(testMaxTTL)

	require.NoError(t, c.PutTask(ctx, 1, []byte(`{"id":1}`), time.Now(), nil))

	down := errors.New("connection refused")
	c.FailWith(down)
	assert.ErrorIs(c.Ping(ctx), down)
	_, _, err := c.GetTask(ctx, 1)
	assert.ErrorIs(err, down)

	// recovery wipes state, like a restarted redis
	c.FailWith(nil)
	require.NoError(t, c.Ping(ctx))
	_, found, err := c.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.False(found)
	exists, err := c.IndexExists(ctx)
	require.NoError(t, err)
	assert.False(exists)
}
