package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

type fixture struct {
	backend *Hybrid
	store   *durable.Store
	cache   *cache.Cache
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T, poolSize int) *fixture {
	t.Helper()
	ctx := context.Background()

	dcfg := durable.DefaultConfig()
	dcfg.Path = filepath.Join(t.TempDir(), "telemetry.duckdb")
	dcfg.PoolSize = poolSize
	dcfg.AcquireTimeout = 50 * time.Millisecond
	store, err := durable.Open(ctx, dcfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(ctx))

	mr := miniredis.RunT(t)
	ccfg := cache.DefaultConfig()
	ccfg.Addr = mr.Addr()
	ccfg.PoolSize = 4
	c, err := cache.Open(ctx, ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &fixture{
		backend: New(store, c, DefaultOptions()),
		store:   store,
		cache:   c,
		redis:   mr,
	}
}

func sample(name string, v float64, ts time.Time) types.MetricSample {
	s := types.MetricSample{ProfileID: 42, MetricType: "equity", MetricName: name, Value: v, Timestamp: ts}
	s.Normalize(ts)
	return s
}

func trade(symbol string, entry time.Time) types.TradeRecord {
	return types.NewTradeFromOutcome(types.Outcome{
		ProfileID:  42,
		Symbol:     symbol,
		EntryPrice: decimal.NewFromInt(100),
		ExitPrice:  decimal.RequireFromString("102.5"),
		Quantity:   10,
		EntryTime:  entry,
		ExitTime:   entry.Add(90 * time.Second),
		Direction:  "up",
	})
}

func TestBulkWrite_MetricUpsertLastWriteWins(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	ts := time.Date(2026, 3, 18, 14, 5, 0, 0, time.UTC)

	res := f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{sample("win_rate", 65.5, ts)}))
	require.NoError(t, res.Err())
	res = f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{sample("win_rate", 70.0, ts.Add(10*time.Minute))}))
	require.NoError(t, res.Err())
	assert.NoError(t, res.CacheErr)
	assert.False(t, res.Fallback)
	assert.Equal(t, 1, res.Rows)

	rows, err := f.store.QueryAggregates(ctx, durable.AggregateQuery{
		ProfileID: 42, MetricType: "equity", MetricName: "win_rate",
		From: ts.Add(-time.Hour), To: ts.Add(time.Hour), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.WindowHour, rows[0].WindowType)
	assert.True(t, rows[0].Value.Equal(decimal.NewFromInt(70)))

	e, err := f.backend.GetLatest(ctx, 42, "equity:win_rate")
	require.NoError(t, err)
	assert.Equal(t, "70", e.Value)
	assert.Equal(t, "hour", e.Payload["window_type"])
}

func TestBulkWrite_TradesMirrorLatestPerSymbol(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	entry := time.Date(2026, 3, 18, 14, 30, 0, 0, time.UTC)

	batch := types.NewTradeBatch([]types.TradeRecord{
		trade("SPY", entry.Add(5*time.Minute)),
		trade("SPY", entry),
		trade("QQQ", entry),
	})
	res := f.backend.BulkWrite(ctx, batch)
	require.NoError(t, res.Err())
	assert.Equal(t, batch.ID, res.BatchID)
	assert.Equal(t, types.KindTrade, res.Kind)
	assert.Equal(t, 3, res.Rows)

	e, err := f.backend.GetLatest(ctx, 42, types.TradeKey("SPY"))
	require.NoError(t, err)
	assert.Equal(t, "25", e.Value)
	assert.True(t, e.Timestamp.Equal(entry.Add(5*time.Minute+90*time.Second)),
		"older trade later in the batch must not overwrite the newer one")

	stats := f.backend.Stats()
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Equal(t, uint64(3), stats.Rows)
}

func TestBulkWrite_HealthFeedsLatencyWindow(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	now := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)

	var snaps []types.HealthSnapshot
	for i := 1; i <= 10; i++ {
		s := types.NewHealthSnapshot(42, "breakout", types.MetricAPILatency, decimal.NewFromInt(int64(i*10)), types.StatusHealthy)
		s.Normalize(now.Add(time.Duration(i) * time.Second))
		snaps = append(snaps, s)
	}
	require.NoError(t, f.backend.BulkWrite(ctx, types.NewHealthBatch(snaps)).Err())

	stats, err := f.cache.LatencyStats(ctx, 42, "breakout")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Count)
	assert.InDelta(t, 55.0, stats.Avg, 1e-9)
	assert.Equal(t, 100.0, stats.Max)

	e, err := f.backend.GetLatest(ctx, 42, types.HealthKey("breakout", types.MetricAPILatency))
	require.NoError(t, err)
	assert.Equal(t, "100", e.Value)
	assert.Equal(t, "healthy", e.Status)
}

func TestBulkWrite_CacheFailureDoesNotFailBatch(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.redis.Close()

	res := f.backend.BulkWrite(ctx, types.NewTradeBatch([]types.TradeRecord{
		trade("SPY", time.Date(2026, 3, 18, 14, 30, 0, 0, time.UTC)),
	}))
	require.NoError(t, res.Err())
	assert.True(t, res.OK())
	assert.Error(t, res.CacheErr)
	assert.Equal(t, uint64(1), f.backend.Stats().CacheFailures)

	got, err := f.store.QueryTrades(ctx, durable.TradeQuery{
		ProfileID: 42, From: time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC),
		To: time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC), Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBulkWrite_FallbackWhenPoolExhausted(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.store.WithConn(ctx, func(*durable.Conn) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	res := f.backend.BulkWrite(ctx, types.NewTradeBatch([]types.TradeRecord{
		trade("SPY", time.Date(2026, 3, 18, 14, 30, 0, 0, time.UTC)),
	}))
	close(release)
	require.NoError(t, <-done)

	require.NoError(t, res.Err())
	assert.True(t, res.Fallback)
	assert.Equal(t, uint64(1), f.backend.Stats().Fallbacks)
	assert.Equal(t, uint64(1), f.store.Stats().FallbackConns)

	latest, err := f.store.LatestTrade(ctx, 42, "SPY")
	require.NoError(t, err)
	require.NotNil(t, latest)
}

func TestBulkWrite_EmptyBatch(t *testing.T) {
	f := newFixture(t, 1)
	res := f.backend.BulkWrite(context.Background(), types.NewTradeBatch(nil))
	assert.NoError(t, res.Err())
	assert.Zero(t, res.Rows)
	assert.Zero(t, f.backend.Stats().Batches)
}

func TestGetTrades_Bounds(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	to := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		q       durable.TradeQuery
		wantErr error
	}{
		{"range too large", durable.TradeQuery{ProfileID: 42, From: to.AddDate(0, 0, -366), To: to}, errors.ErrRangeTooLarge},
		{"inverted", durable.TradeQuery{ProfileID: 42, From: to, To: to.Add(-time.Hour)}, errors.ErrInvalidRange},
		{"missing from", durable.TradeQuery{ProfileID: 42, To: to}, errors.ErrInvalidRange},
		{"limit above max", durable.TradeQuery{ProfileID: 42, From: to.AddDate(0, 0, -1), To: to, Limit: 10001}, errors.ErrInvalidValue},
		{"bad profile", durable.TradeQuery{From: to.AddDate(0, 0, -1), To: to}, errors.ErrInvalidProfile},
		{"max lookback ok", durable.TradeQuery{ProfileID: 42, From: to.AddDate(0, 0, -365), To: to}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.backend.GetTrades(ctx, tt.q)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetTrades_DefaultLimit(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	entry := time.Date(2026, 3, 18, 14, 30, 0, 0, time.UTC)

	trades := make([]types.TradeRecord, 12)
	for i := range trades {
		trades[i] = trade("SPY", entry.Add(time.Duration(i)*time.Minute))
	}
	require.NoError(t, f.backend.BulkWrite(ctx, types.NewTradeBatch(trades)).Err())

	got, err := f.backend.GetTrades(ctx, durable.TradeQuery{ProfileID: 42, From: entry, To: entry.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 12)
	assert.True(t, got[0].EntryTime.Equal(entry.Add(11*time.Minute)))

	got, err = f.backend.GetTrades(ctx, durable.TradeQuery{ProfileID: 42, From: entry, To: entry.Add(time.Hour), Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetAggregatedMetrics_WindowFilter(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ts := time.Date(2026, 3, 18, 14, 5, 0, 0, time.UTC)

	day := sample("daily_pnl", 12.5, ts)
	day.WindowType = types.WindowDay
	require.NoError(t, f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{
		sample("daily_pnl", 1.5, ts), day,
	})).Err())

	rows, err := f.backend.GetAggregatedMetrics(ctx, durable.AggregateQuery{
		ProfileID: 42, WindowType: types.WindowDay, From: ts.Add(-time.Hour), To: ts,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Value.Equal(decimal.RequireFromString("12.5")))

	_, err = f.backend.GetAggregatedMetrics(ctx, durable.AggregateQuery{
		ProfileID: 42, WindowType: "year", From: ts.Add(-time.Hour), To: ts,
	})
	assert.ErrorIs(t, err, errors.ErrInvalidWindow)
}

func TestGetLatestOrLoad_FallsBackAndRefills(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ts := time.Date(2026, 3, 18, 14, 5, 0, 0, time.UTC)

	require.NoError(t, f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{
		sample("account_equity", 25000.75, ts),
	})).Err())
	f.redis.FlushAll()

	_, err := f.backend.GetLatest(ctx, 42, "equity:account_equity")
	require.ErrorIs(t, err, errors.ErrCacheMiss)

	e, src, err := f.backend.GetLatestOrLoad(ctx, 42, "equity:account_equity")
	require.NoError(t, err)
	assert.Equal(t, SourceDurable, src)
	assert.Equal(t, "25000.75", e.Value)

	e, src, err = f.backend.GetLatestOrLoad(ctx, 42, "equity:account_equity")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, "25000.75", e.Value)
	assert.Equal(t, uint64(1), f.backend.Stats().Loads)
}

func TestGetLatestOrLoad_NotFound(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, _, err := f.backend.GetLatestOrLoad(ctx, 42, types.HealthKey("breakout", "status"))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, _, err = f.backend.GetLatestOrLoad(ctx, 42, "nocolon")
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestHybrid_WithoutCache(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	h := New(f.store, nil, Options{})

	s := types.NewHealthSnapshot(42, "breakout", "status", decimal.Decimal{}, types.StatusDegraded)
	s.MetricValue = decimal.NullDecimal{}
	s.Normalize(time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC))
	res := h.BulkWrite(ctx, types.NewHealthBatch([]types.HealthSnapshot{s}))
	require.NoError(t, res.Err())
	assert.NoError(t, res.CacheErr)

	e, src, err := h.GetLatestOrLoad(ctx, 42, s.Key())
	require.NoError(t, err)
	assert.Equal(t, SourceDurable, src)
	assert.Equal(t, "degraded", e.Status)
	assert.Empty(t, e.Value)
}

func TestGetTrades_ScenarioD(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	now := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)

	_, err := f.backend.GetTrades(ctx, durable.TradeQuery{ProfileID: 1, From: now.AddDate(0, 0, -400), To: now})
	assert.ErrorIs(t, err, errors.ErrRangeTooLarge)

	_, err = f.backend.GetTrades(ctx, durable.TradeQuery{ProfileID: 1, From: now.AddDate(0, 0, -30), To: now})
	assert.NoError(t, err)
}

func TestBulkWrite_CountersAccumulate(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	ts := time.Date(2026, 3, 18, 14, 5, 0, 0, time.UTC)

	signal := func(at time.Time) types.MetricSample {
		s := types.MetricSample{ProfileID: 42, MetricType: "breakout", MetricName: "signal_count", Value: 1, Timestamp: at}
		s.Normalize(at)
		return s
	}
	strength := func(v float64, at time.Time) types.MetricSample {
		s := types.MetricSample{ProfileID: 42, MetricType: "breakout", MetricName: "bar_strength", Value: v, Timestamp: at}
		s.Normalize(at)
		return s
	}

	require.NoError(t, f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{
		signal(ts), strength(0.4, ts), signal(ts.Add(time.Minute)),
	})).Err())
	require.NoError(t, f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{
		signal(ts.Add(20 * time.Minute)), strength(0.9, ts.Add(20*time.Minute)),
	})).Err())

	rows, err := f.store.QueryAggregates(ctx, durable.AggregateQuery{
		ProfileID: 42, MetricType: "breakout", WindowType: types.WindowHour,
		From: ts.Add(-time.Hour), To: ts.Add(time.Hour), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byName := map[string]decimal.Decimal{}
	for _, r := range rows {
		byName[r.MetricName] = r.Value
	}
	assert.True(t, byName["signal_count"].Equal(decimal.NewFromInt(3)), "signal_count %s", byName["signal_count"])
	assert.True(t, byName["bar_strength"].Equal(decimal.RequireFromString("0.9")), "bar_strength %s", byName["bar_strength"])
}

func TestGetAPILatencyStats(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	now := time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)

	var snaps []types.HealthSnapshot
	for i := 1; i <= 20; i++ {
		s := types.NewHealthSnapshot(42, "orders", types.MetricAPILatency, decimal.NewFromInt(int64(i)), types.StatusHealthy)
		s.Normalize(now.Add(time.Duration(i) * time.Second))
		snaps = append(snaps, s)
	}
	require.NoError(t, f.backend.BulkWrite(ctx, types.NewHealthBatch(snaps)).Err())

	st, err := f.backend.GetAPILatencyStats(ctx, 42, "orders")
	require.NoError(t, err)
	assert.Equal(t, 20, st.Count)
	assert.InDelta(t, 10.5, st.Avg, 1e-9)
	assert.Equal(t, 19.0, st.P95)
	assert.Equal(t, 20.0, st.P99)

	empty, err := f.backend.GetAPILatencyStats(ctx, 42, "unknown")
	require.NoError(t, err)
	assert.Zero(t, empty.Count)

	_, err = f.backend.GetAPILatencyStats(ctx, 0, "orders")
	assert.Error(t, err)

	_, err = New(f.store, nil, Options{}).GetAPILatencyStats(ctx, 42, "orders")
	assert.ErrorIs(t, err, errors.ErrCacheMiss)
}

func TestGetLatestOrLoad_CanceledCallerStillRefills(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ts := time.Date(2026, 3, 18, 14, 5, 0, 0, time.UTC)

	require.NoError(t, f.backend.BulkWrite(ctx, types.NewMetricBatch([]types.MetricSample{
		sample("account_equity", 25000.75, ts),
	})).Err())
	f.redis.FlushAll()

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, _ = f.backend.GetLatestOrLoad(canceled, 42, "equity:account_equity")

	require.Eventually(t, func() bool {
		e, err := f.backend.GetLatest(ctx, 42, "equity:account_equity")
		return err == nil && e.Value == "25000.75"
	}, 5*time.Second, 10*time.Millisecond, "shared load should finish for other callers")

	e, src, err := f.backend.GetLatestOrLoad(ctx, 42, "equity:account_equity")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, "25000.75", e.Value)
}
