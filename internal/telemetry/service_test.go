package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltadyno/telemetry/internal/telemetry/backend"
	telconfig "github.com/deltadyno/telemetry/internal/telemetry/config"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
	"github.com/deltadyno/telemetry/internal/testutil"
)

func testConfig(t *testing.T) *telconfig.Config {
	t.Helper()
	cfg := telconfig.DefaultConfig()
	cfg.Durable.Path = filepath.Join(t.TempDir(), "telemetry.duckdb")
	cfg.Durable.PoolSize = 4
	cfg.Cache.Addr = ""
	cfg.Ingestion.BatchSize = 10
	cfg.Aggregation.Schedule = "@every 1h"
	cfg.Retention.Schedule = "@every 1h"
	cfg.Monitor.Interval = time.Hour
	return cfg
}

func closeTrade(profileID int64, symbol string, exit time.Time) types.TradeRecord {
	return types.NewTradeFromOutcome(types.Outcome{
		ProfileID:  profileID,
		Symbol:     symbol,
		EntryPrice: decimal.NewFromInt(100),
		ExitPrice:  decimal.RequireFromString("101.25"),
		Quantity:   4,
		EntryTime:  exit.Add(-time.Minute),
		ExitTime:   exit,
		Direction:  "up",
	})
}

func TestOpen_WiresComponents(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	cfg.Cache.Addr = mr.Addr()

	ctx := context.Background()
	svc, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	assert.True(t, svc.Running())
	assert.NotNil(t, svc.Backend())
	assert.NotNil(t, svc.Aggregator())
	assert.NotNil(t, svc.Monitor())
	assert.NotNil(t, svc.Stats().Cache)

	exit := time.Now().UTC().Add(-time.Minute)
	svc.Manager().EnqueueTrade(closeTrade(42, "SPY", exit))
	require.NoError(t, svc.Manager().Flush())
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return svc.Manager().Stats().RecordsFlushed == 1
	}, "trade not flushed")

	trades, err := svc.Backend().GetTrades(ctx, durable.TradeQuery{
		ProfileID: 42,
		From:      exit.Add(-time.Hour),
		To:        exit.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "SPY", trades[0].Symbol)

	entry, err := svc.Backend().GetLatest(ctx, 42, types.TradeKey("SPY"))
	require.NoError(t, err)
	assert.Equal(t, "trade", entry.Kind)

	require.NoError(t, svc.Close(ctx))
	assert.False(t, svc.Running())
	require.NoError(t, svc.Close(ctx), "second Close is a no-op")
}

func TestClose_FlushesBeforeStoreCloses(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	svc, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	exit := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		svc.Manager().EnqueueTrade(closeTrade(7, "QQQ", exit))
	}

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(closeCtx))

	dcfg := durable.DefaultConfig()
	dcfg.Path = cfg.Durable.Path
	store, err := durable.Open(ctx, dcfg)
	require.NoError(t, err)
	defer store.Close()

	trades, err := store.TradesClosedIn(ctx, exit.Add(-time.Hour), exit.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, trades, 3)
}

func TestOpen_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Enabled = false
	ctx := context.Background()

	svc, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	assert.Nil(t, svc.Backend())
	assert.Nil(t, svc.Store())
	assert.Nil(t, svc.Monitor())

	svc.Manager().EnqueueTrade(closeTrade(1, "SPY", time.Now()))
	assert.Zero(t, svc.Stats().Ingestion.Enqueued)
	assert.NoFileExists(t, cfg.Durable.Path)

	require.NoError(t, svc.Close(ctx))
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durable.PoolSize = 0

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.NoFileExists(t, cfg.Durable.Path)
}

func TestOpen_MonitorDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.Enabled = false
	ctx := context.Background()

	svc, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer svc.Close(ctx)

	assert.Nil(t, svc.Monitor())
	assert.Nil(t, svc.Stats().Cache)
}

func TestMonitorReportsThroughManager(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.ProfileID = 9
	ctx := context.Background()

	svc, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	assert.Equal(t, types.StatusHealthy, svc.Monitor().Report())
	require.NoError(t, svc.Manager().Flush())
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		st := svc.Manager().Stats()
		return st.Enqueued > 0 && st.RecordsFlushed == st.Enqueued
	}, "monitor snapshots not flushed")

	entry, src, err := svc.Backend().GetLatestOrLoad(ctx, 9, types.HealthKey("telemetry", types.MetricStatus))
	require.NoError(t, err)
	assert.Equal(t, backend.SourceDurable, src, "no cache configured")
	assert.Equal(t, string(types.StatusHealthy), entry.Status)

	now := time.Now().UTC()
	snaps, err := svc.Store().HealthIn(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	var status bool
	for _, s := range snaps {
		assert.Equal(t, int64(9), s.ProfileID)
		if s.MetricName == types.MetricStatus {
			status = true
		}
	}
	assert.True(t, status, "status snapshot stored")

	require.NoError(t, svc.Close(ctx))
}
