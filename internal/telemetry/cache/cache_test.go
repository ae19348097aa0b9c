package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltadyno/telemetry/internal/errors"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.PoolSize = 4
	cfg.TTL = 3600 * time.Second

	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCache_SetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)

	entry := Entry{Kind: "metric", Value: "1234.5", Timestamp: now, Payload: map[string]any{"open_positions": int8(3)}}
	require.NoError(t, c.Set(ctx, 42, "equity:account_equity", entry))

	assert.True(t, mr.Exists("telemetry:42:equity:account_equity"))

	got, err := c.Get(ctx, 42, "equity:account_equity")
	require.NoError(t, err)
	assert.Equal(t, "metric", got.Kind)
	assert.Equal(t, "1234.5", got.Value)
	assert.True(t, got.Timestamp.Equal(now))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Writes)
}

func TestCache_Miss(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), 1, "equity:account_equity")
	assert.True(t, errors.Is(err, errors.ErrCacheMiss))
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, 7, "health:scanner:heartbeat", Entry{Kind: "health", Timestamp: time.Now()}))

	remaining, err := c.Remaining(ctx, 7, "health:scanner:heartbeat")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, remaining)

	mr.FastForward(3599 * time.Second)
	_, err = c.Get(ctx, 7, "health:scanner:heartbeat")
	require.NoError(t, err, "entry must be visible before its TTL")

	mr.FastForward(2 * time.Second)
	_, err = c.Get(ctx, 7, "health:scanner:heartbeat")
	assert.True(t, errors.Is(err, errors.ErrCacheMiss), "entry must be absent after its TTL")
}

func TestCache_SetManyAppliesTTLAndLastWins(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	items := []Item{
		{ProfileID: 1, Key: "equity:account_equity", Entry: Entry{Kind: "metric", Value: "100", Timestamp: now}},
		{ProfileID: 2, Key: "equity:account_equity", Entry: Entry{Kind: "metric", Value: "200", Timestamp: now}},
		{ProfileID: 1, Key: "equity:account_equity", Entry: Entry{Kind: "metric", Value: "101", Timestamp: now}},
	}
	require.NoError(t, c.SetMany(ctx, items))

	got, err := c.Get(ctx, 1, "equity:account_equity")
	require.NoError(t, err)
	assert.Equal(t, "101", got.Value)

	for _, key := range mr.Keys() {
		assert.Equal(t, time.Hour, mr.TTL(key), "key %s has no TTL", key)
	}
}

func TestCache_LatencyStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)

	for i := 1; i <= 100; i++ {
		require.NoError(t, c.RecordLatency(ctx, 3, "order_monitor", float64(i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	stats, err := c.LatencyStats(ctx, 3, "order_monitor")
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Count)
	assert.InDelta(t, 50.5, stats.Avg, 1e-9)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 100.0, stats.Max)
	assert.InDelta(t, 50, stats.P50, 1)
	assert.InDelta(t, 95, stats.P95, 1)
	assert.InDelta(t, 99, stats.P99, 1)

	empty, err := c.LatencyStats(ctx, 3, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
}

func TestCache_LatencyWindowIsBounded(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)

	for i := 0; i < MaxLatencySamples+25; i++ {
		require.NoError(t, c.RecordLatency(ctx, 3, "scanner", 1, base.Add(time.Duration(i))))
	}

	members, err := mr.ZMembers(c.latencyKey(3, "scanner"))
	require.NoError(t, err)
	assert.Len(t, members, MaxLatencySamples)
}

func TestCache_UnreachableIsRetriable(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	err := c.Set(context.Background(), 1, "equity:account_equity", Entry{Kind: "metric", Timestamp: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.IsRetriable(err), "unexpected error class: %v", err)
	assert.Equal(t, uint64(1), c.Stats().Errors)
}
