package ingestion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
	"github.com/deltadyno/telemetry/internal/testutil"
)

var base = time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)

func newManager(t *testing.T, rb *testutil.RecordingBackend, mutate func(*Options)) *Manager {
	t.Helper()

	opts := DefaultOptions()
	opts.Enabled = true
	opts.FlushInterval = time.Hour
	opts.RetryBackoff = time.Millisecond
	opts.MaxRetryBackoff = 5 * time.Millisecond
	opts.FlushTimeout = 2 * time.Second
	opts.Now = func() time.Time { return base }
	if mutate != nil {
		mutate(&opts)
	}

	m := New(rb, opts)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func healthSnap(i int) types.HealthSnapshot {
	s := types.NewHealthSnapshot(1, "breakout", types.MetricAPILatency, decimal.NewFromInt(int64(i)), types.StatusHealthy)
	s.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
	return s
}

func tradeQty(q int64) types.TradeRecord {
	return types.NewTradeFromOutcome(types.Outcome{
		ProfileID:  1,
		Symbol:     "spy",
		EntryPrice: decimal.NewFromInt(100),
		ExitPrice:  decimal.NewFromInt(101),
		Quantity:   q,
		EntryTime:  base,
		ExitTime:   base.Add(time.Minute),
	})
}

func waitBatches(t *testing.T, rb *testutil.RecordingBackend, kind types.Kind, n int) {
	t.Helper()
	testutil.RequireEventually(t, 2*time.Second, func() bool {
		return len(rb.BatchesOf(kind)) >= n
	}, fmt.Sprintf("waiting for %d %s batches", n, kind))
}

func TestManager_Disabled(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := New(rb, Options{Enabled: false})

	for i := 0; i < 500; i++ {
		m.EnqueueHealth(healthSnap(i))
		m.EnqueueTrade(tradeQty(1))
		m.RecordAPILatency(1, "breakout", 12.5)
	}

	assert.False(t, m.Enabled())
	assert.ErrorIs(t, m.Flush(), errors.ErrDisabled)
	assert.NoError(t, m.Close(context.Background()))
	assert.Zero(t, rb.Calls())
	assert.Equal(t, Stats{}, m.Stats())

	called := false
	require.NoError(t, m.MeasureLatency(1, "breakout", "noop", func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestManager_ScenarioA_SizeTrigger(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := newManager(t, rb, nil)

	for i := 0; i < 49; i++ {
		m.EnqueueHealth(healthSnap(i))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rb.Calls(), "no flush below batch size")
	assert.Equal(t, 49, m.Stats().Pending[types.KindHealth])

	m.EnqueueHealth(healthSnap(49))
	waitBatches(t, rb, types.KindHealth, 1)

	// Records after the snapshot point belong to the next batch.
	m.EnqueueHealth(healthSnap(50))

	batches := rb.BatchesOf(types.KindHealth)
	require.Len(t, batches, 1)
	require.Equal(t, 50, batches[0].Len())
	for i, s := range batches[0].Health {
		assert.True(t, s.MetricValue.Decimal.Equal(decimal.NewFromInt(int64(i))))
	}
	assert.Equal(t, 1, m.Stats().Pending[types.KindHealth])
	assert.Equal(t, 1, rb.Calls())
}

func TestManager_ScenarioB_TimeTrigger(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := newManager(t, rb, func(o *Options) { o.FlushInterval = 50 * time.Millisecond })

	for i := int64(1); i <= 5; i++ {
		m.EnqueueTrade(tradeQty(i))
	}
	assert.Zero(t, rb.Calls())

	waitBatches(t, rb, types.KindTrade, 1)
	time.Sleep(120 * time.Millisecond)

	batches := rb.BatchesOf(types.KindTrade)
	require.Len(t, batches, 1, "empty batches are never flushed")
	assert.Equal(t, 5, batches[0].Len())
}

func TestManager_FIFOPerKind(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Delay = 2 * time.Millisecond
	m := newManager(t, rb, func(o *Options) { o.BatchSize = 10 })

	for q := int64(1); q <= 100; q++ {
		m.EnqueueTrade(tradeQty(q))
	}
	require.NoError(t, m.Close(context.Background()))

	var got []int64
	for _, b := range rb.BatchesOf(types.KindTrade) {
		for _, tr := range b.Trades {
			got = append(got, tr.Quantity)
		}
	}
	require.Len(t, got, 100)
	for i, q := range got {
		assert.Equal(t, int64(i+1), q)
	}
	assert.Equal(t, 1, rb.MaxInFlight(types.KindTrade))
}

func TestManager_ConcurrentProducers(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Delay = time.Millisecond
	m := newManager(t, rb, func(o *Options) { o.QueueDepth = 1000 })

	const producers, perProducer = 20, 100
	gt := testutil.NewGoroutineTest(t, 10*time.Second)
	for p := 0; p < producers; p++ {
		gt.Go(func(ctx context.Context) error {
			for i := 0; i < perProducer; i++ {
				m.EnqueueTrade(tradeQty(int64(p*perProducer + i + 1)))
				m.EnqueueHealth(healthSnap(i))
			}
			return nil
		})
	}
	gt.Wait()
	require.NoError(t, m.Close(context.Background()))

	seen := make(map[int64]bool)
	for _, b := range rb.BatchesOf(types.KindTrade) {
		assert.LessOrEqual(t, b.Len(), 50)
		for _, tr := range b.Trades {
			assert.False(t, seen[tr.Quantity], "duplicate trade %d", tr.Quantity)
			seen[tr.Quantity] = true
		}
	}
	assert.Len(t, seen, producers*perProducer)
	assert.Equal(t, producers*perProducer, rb.Rows(types.KindHealth))
	assert.Equal(t, 1, rb.MaxInFlight(types.KindTrade))
	assert.Equal(t, 1, rb.MaxInFlight(types.KindHealth))

	s := m.Stats()
	assert.Zero(t, s.RecordsDropped)
	assert.Equal(t, uint64(2*producers*perProducer), s.RecordsFlushed)
}

func TestManager_QueueFullDropsBatch(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Block = make(chan struct{})
	m := newManager(t, rb, func(o *Options) {
		o.BatchSize = 1
		o.QueueDepth = 1
	})

	m.EnqueueTrade(tradeQty(1))
	testutil.RequireEventually(t, time.Second, func() bool { return rb.Calls() == 1 }, "first flush in flight")

	m.EnqueueTrade(tradeQty(2)) // waits in the queue
	m.EnqueueTrade(tradeQty(3)) // queue full

	s := m.Stats()
	assert.Equal(t, uint64(1), s.BatchesDropped)
	assert.Equal(t, uint64(1), s.RecordsDropped)

	close(rb.Block)
	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, 2, rb.Rows(types.KindTrade))
}

func TestManager_RetryThenSucceed(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Fail = func(b *types.Batch, attempt int) error {
		if attempt < 3 {
			return errors.Connection(fmt.Errorf("dial tcp: connection refused"), "duckdb")
		}
		return nil
	}
	m := newManager(t, rb, func(o *Options) { o.BatchSize = 2 })

	m.EnqueueTrade(tradeQty(1))
	m.EnqueueTrade(tradeQty(2))
	waitBatches(t, rb, types.KindTrade, 1)

	s := m.Stats()
	assert.Equal(t, uint64(2), s.Retries)
	assert.Equal(t, 3, rb.Calls())
	assert.Zero(t, s.FlushErrors)
}

func TestManager_RetryExhausted(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Fail = func(*types.Batch, int) error {
		return errors.Wrap(errors.ErrPoolExhausted, "pool durable")
	}
	m := newManager(t, rb, func(o *Options) {
		o.BatchSize = 2
		o.MaxRetries = 2
	})

	m.EnqueueTrade(tradeQty(1))
	m.EnqueueTrade(tradeQty(2))
	require.NoError(t, m.Close(context.Background()))

	s := m.Stats()
	assert.Equal(t, 3, rb.Calls(), "one attempt plus two retries")
	assert.Equal(t, uint64(1), s.FlushErrors)
	assert.Equal(t, uint64(2), s.RecordsDropped)
	assert.Zero(t, s.BatchesFlushed)
}

func TestManager_NonRetriableFailure(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Fail = func(*types.Batch, int) error {
		return errors.NewInvalidValue("kind", 9, "unknown record kind")
	}
	m := newManager(t, rb, func(o *Options) { o.BatchSize = 1 })

	m.EnqueueTrade(tradeQty(1))
	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, 1, rb.Calls())
	assert.Equal(t, uint64(1), m.Stats().FlushErrors)
}

func TestManager_ValidationRejected(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := newManager(t, rb, nil)

	m.EnqueueMetric(types.MetricSample{MetricType: "equity", MetricName: "account_equity", Value: 1})
	bad := tradeQty(1)
	bad.Quantity = 0
	m.EnqueueTrade(bad)
	m.EnqueueHealth(types.HealthSnapshot{ProfileID: 1, ScriptName: "breakout", MetricName: "status", Status: "panic"})

	s := m.Stats()
	assert.Equal(t, uint64(3), s.ValidationErrors)
	assert.Zero(t, s.Enqueued)
	assert.Zero(t, s.PendingTotal())
}

func TestManager_OutOfRangeRejectedAlone(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := newManager(t, rb, func(o *Options) { o.BatchSize = 50 })

	for i := 0; i < 49; i++ {
		m.EnqueueTrade(tradeQty(int64(i + 1)))
	}
	huge := tradeQty(1)
	huge.EntryPrice = decimal.New(1, 13)
	m.EnqueueTrade(huge)
	require.NoError(t, m.Close(context.Background()))

	s := m.Stats()
	assert.Equal(t, uint64(1), s.ValidationErrors)
	assert.Equal(t, 49, rb.Rows(types.KindTrade))
	assert.Zero(t, s.FlushErrors)
}

func TestManager_LatePolicy(t *testing.T) {
	watermark := base
	late := func(ts time.Time) bool { return ts.Before(watermark) }

	tests := []struct {
		policy   LatePolicy
		wantRows int
	}{
		{LateDrop, 1},
		{LateKeep, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			rb := testutil.NewRecordingBackend()
			m := newManager(t, rb, func(o *Options) {
				o.LateCheck = late
				o.LatePolicy = tt.policy
			})

			old := healthSnap(1)
			old.Timestamp = base.Add(-2 * time.Hour)
			m.EnqueueHealth(old)
			m.EnqueueHealth(healthSnap(2))
			require.NoError(t, m.Close(context.Background()))

			assert.Equal(t, uint64(1), m.Stats().LateRecords)
			assert.Equal(t, tt.wantRows, rb.Rows(types.KindHealth))
		})
	}
}

func TestManager_CloseFlushesPending(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := newManager(t, rb, nil)

	m.EnqueueMetric(types.MetricSample{ProfileID: 1, MetricType: "equity", MetricName: "account_equity", Value: 25000})
	m.EnqueueTrade(tradeQty(1))
	m.EnqueueHealth(healthSnap(1))
	require.NoError(t, m.Close(context.Background()))

	assert.Len(t, rb.Batches(), 3)
	assert.Equal(t, 1, rb.Rows(types.KindMetric))

	m.EnqueueTrade(tradeQty(2))
	assert.Equal(t, uint64(1), m.Stats().RecordsDropped)
	assert.ErrorIs(t, m.Flush(), errors.ErrClosed)
	assert.NoError(t, m.Close(context.Background()), "second close is a no-op")
}

func TestManager_CloseDeadline(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	rb.Block = make(chan struct{})
	m := newManager(t, rb, func(o *Options) { o.FlushTimeout = time.Minute })

	m.EnqueueTrade(tradeQty(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), m.Stats().FlushErrors)
}

func TestManager_Flush(t *testing.T) {
	rb := testutil.NewRecordingBackend()
	m := newManager(t, rb, nil)

	m.EnqueueHealth(healthSnap(1))
	require.NoError(t, m.Flush())
	waitBatches(t, rb, types.KindHealth, 1)
	assert.Zero(t, m.Stats().PendingTotal())
}
