// Package ingestion provides the process-wide entry point for telemetry
// producers.
//
// The Manager classifies records by kind, buffers them in one batch per
// kind and hands full batches to the storage backend. A batch is flushed
// when it reaches the batch size or when the flush timer fires, whichever
// comes first.
//
// Flushing runs on one worker goroutine per kind, fed by a bounded FIFO
// queue. At most one flush per kind is in flight; kinds flush concurrently.
// Enqueue never blocks on I/O: when a kind's queue is full the batch is
// dropped and counted.
//
// Close stops the timer, flushes every non-empty batch and waits for the
// workers to drain.
package ingestion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deltadyno/telemetry/config"
	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/backend"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	telconfig "github.com/deltadyno/telemetry/internal/telemetry/config"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

var log = logging.Component("ingestion")

// LatePolicy decides what happens to a record whose aggregation window was
// already computed. Closed windows are never recomputed.
type LatePolicy string

const (
	// LateDrop drops the record with a warning.
	LateDrop LatePolicy = "drop"
	// LateKeep persists the raw record with a warning. The aggregate of
	// its window keeps its computed value.
	LateKeep LatePolicy = "keep"
)

// LateFunc reports whether ts falls into an already aggregated window.
type LateFunc func(ts time.Time) bool

// LatencyReader serves the rolling API latency window of a script.
type LatencyReader interface {
	GetAPILatencyStats(ctx context.Context, profileID int64, script string) (cache.LatencyStats, error)
}

// Options configures a Manager.
type Options struct {
	Enabled         bool
	BatchSize       int
	FlushInterval   time.Duration
	FlushTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	QueueDepth      int

	// LateCheck is optional. Without it no record is considered late.
	LateCheck  LateFunc
	LatePolicy LatePolicy

	// Latency is optional. With it RecordSystemHealth adds the script's
	// recent latency percentiles, waiting at most LatencyTimeout.
	Latency        LatencyReader
	LatencyTimeout time.Duration

	// Now is the clock used to stamp records without a timestamp.
	Now func() time.Time
}

// DefaultOptions returns Options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:         config.DefaultEnabled,
		BatchSize:       config.DefaultBatchSize,
		FlushInterval:   time.Duration(config.DefaultFlushIntervalSeconds * float64(time.Second)),
		FlushTimeout:    config.DefaultFlushTimeout,
		MaxRetries:      config.DefaultMaxRetries,
		RetryBackoff:    config.DefaultRetryBackoff,
		MaxRetryBackoff: config.DefaultMaxRetryBackoff,
		QueueDepth:      config.DefaultQueueDepth,
		LatePolicy:      LatePolicy(config.DefaultLatePolicy),
		LatencyTimeout:  config.DefaultLatencyLookupTimeout,
	}
}

// OptionsFromConfig maps the loaded configuration to manager options.
func OptionsFromConfig(cfg *telconfig.Config) Options {
	return Options{
		Enabled:         cfg.Enabled,
		BatchSize:       cfg.Ingestion.BatchSize,
		FlushInterval:   cfg.Ingestion.FlushInterval(),
		FlushTimeout:    cfg.Ingestion.FlushTimeout,
		MaxRetries:      cfg.Ingestion.MaxRetries,
		RetryBackoff:    cfg.Ingestion.RetryBackoff,
		MaxRetryBackoff: cfg.Ingestion.MaxRetryBackoff,
		QueueDepth:      cfg.Ingestion.QueueDepth,
		LatePolicy:      LatePolicy(cfg.Ingestion.LatePolicy),
		LatencyTimeout:  config.DefaultLatencyLookupTimeout,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = def.FlushTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = max(def.MaxRetryBackoff, o.RetryBackoff)
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = def.QueueDepth
	}
	if o.LatencyTimeout <= 0 {
		o.LatencyTimeout = def.LatencyTimeout
	}
	if o.LatePolicy != LateKeep {
		o.LatePolicy = LateDrop
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager buffers records per kind and flushes them to a backend. It is
// safe for concurrent use by many producers.
type Manager struct {
	backend backend.Backend
	opts    Options

	metrics *batcher[types.MetricSample]
	trades  *batcher[types.TradeRecord]
	health  *batcher[types.HealthSnapshot]

	queues map[types.Kind]chan *types.Batch

	// stateMu orders submissions against Close: producers hold it shared
	// while submitting, Close holds it exclusively to mark the manager
	// closed.
	stateMu sync.RWMutex
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	tickerWG sync.WaitGroup
	workerWG sync.WaitGroup

	stats counters
}

// New creates a manager and starts its flush timer and workers. A disabled
// manager starts nothing and every call on it returns immediately.
func New(b backend.Backend, opts Options) *Manager {
	if !opts.Enabled {
		return &Manager{opts: opts}
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend: b,
		opts:    opts,
		metrics: newBatcher[types.MetricSample](opts.BatchSize),
		trades:  newBatcher[types.TradeRecord](opts.BatchSize),
		health:  newBatcher[types.HealthSnapshot](opts.BatchSize),
		queues:  make(map[types.Kind]chan *types.Batch, 3),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}

	for _, kind := range types.AllKinds() {
		q := make(chan *types.Batch, opts.QueueDepth)
		m.queues[kind] = q
		m.workerWG.Add(1)
		go m.worker(kind, q)
	}

	m.tickerWG.Add(1)
	go m.tickLoop()

	log.Info("ingestion manager started",
		"batch_size", opts.BatchSize,
		"flush_interval", opts.FlushInterval,
		"queue_depth", opts.QueueDepth,
		"late_policy", string(opts.LatePolicy))
	return m
}

// Enabled reports whether the manager collects records.
func (m *Manager) Enabled() bool {
	return m.opts.Enabled
}

// =============================================================================
// Enqueue
// =============================================================================

// EnqueueMetric buffers a metric sample. Invalid samples are counted and
// dropped.
func (m *Manager) EnqueueMetric(s types.MetricSample) {
	if !m.opts.Enabled {
		return
	}
	s.Normalize(m.opts.Now())
	if err := s.Validate(); err != nil {
		m.reject(types.KindMetric, err)
		return
	}
	if !m.admit(types.KindMetric, s.Key(), s.Timestamp) {
		return
	}
	s.Metadata = s.Metadata.Clone()
	enqueue(m, m.metrics, s, types.NewMetricBatch)
}

// EnqueueTrade buffers a closed trade. Late checks use the exit time, the
// time the aggregator windows trades by.
func (m *Manager) EnqueueTrade(t types.TradeRecord) {
	if !m.opts.Enabled {
		return
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		m.reject(types.KindTrade, err)
		return
	}
	if !m.admit(types.KindTrade, t.Key(), t.ExitTime) {
		return
	}
	t.Metadata = t.Metadata.Clone()
	enqueue(m, m.trades, t, types.NewTradeBatch)
}

// EnqueueHealth buffers a health snapshot.
func (m *Manager) EnqueueHealth(h types.HealthSnapshot) {
	if !m.opts.Enabled {
		return
	}
	h.Normalize(m.opts.Now())
	if err := h.Validate(); err != nil {
		m.reject(types.KindHealth, err)
		return
	}
	if !m.admit(types.KindHealth, h.Key(), h.Timestamp) {
		return
	}
	h.Metadata = h.Metadata.Clone()
	enqueue(m, m.health, h, types.NewHealthBatch)
}

// enqueue appends item and submits the batch once it is full. Submission
// happens under the batcher lock so batches of one kind reach the queue in
// the order they were cut.
func enqueue[T any](m *Manager, b *batcher[T], item T, wrap func([]T) *types.Batch) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	if m.closed {
		m.stats.recordsDropped.Add(1)
		return
	}
	m.stats.enqueued.Add(1)
	b.add(item, func(full []T) {
		m.submit(wrap(full))
	})
}

func (m *Manager) reject(kind types.Kind, err error) {
	m.stats.validationErrors.Add(1)
	log.Debug("record rejected", "kind", kind.String(), "error", err)
}

// admit applies the late policy. It returns false when the record must be
// dropped.
func (m *Manager) admit(kind types.Kind, key string, ts time.Time) bool {
	if m.opts.LateCheck == nil || !m.opts.LateCheck(ts) {
		return true
	}
	m.stats.lateRecords.Add(1)
	if m.opts.LatePolicy == LateKeep {
		log.Warn("late record kept, aggregated window not recomputed",
			"kind", kind.String(), "key", key, "timestamp", ts)
		return true
	}
	log.Warn("late record dropped", "kind", kind.String(), "key", key, "timestamp", ts)
	return false
}

// =============================================================================
// Flush
// =============================================================================

// submit queues a batch without blocking. A full queue drops the batch.
// Callers hold stateMu shared.
func (m *Manager) submit(b *types.Batch) {
	select {
	case m.queues[b.Kind] <- b:
		m.stats.batchesQueued.Add(1)
	default:
		m.stats.batchesDropped.Add(1)
		m.stats.recordsDropped.Add(uint64(b.Len()))
		log.Warn("flush queue full, batch dropped",
			"kind", b.Kind.String(), "batch_id", b.ID, "rows", b.Len())
	}
}

// Flush submits every non-empty batch now without waiting for the result.
func (m *Manager) Flush() error {
	if !m.opts.Enabled {
		return errors.ErrDisabled
	}
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.closed {
		return errors.Wrap(errors.ErrClosed, "ingestion manager")
	}
	m.drainAll(m.submit)
	return nil
}

// drainAll cuts every non-empty batch and passes it to submit, in kind
// order.
func (m *Manager) drainAll(submit func(*types.Batch)) {
	m.metrics.drain(func(items []types.MetricSample) { submit(types.NewMetricBatch(items)) })
	m.trades.drain(func(items []types.TradeRecord) { submit(types.NewTradeBatch(items)) })
	m.health.drain(func(items []types.HealthSnapshot) { submit(types.NewHealthBatch(items)) })
}

func (m *Manager) tickLoop() {
	defer m.tickerWG.Done()

	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.stateMu.RLock()
			if !m.closed {
				m.drainAll(m.submit)
			}
			m.stateMu.RUnlock()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) worker(kind types.Kind, queue <-chan *types.Batch) {
	defer m.workerWG.Done()
	for b := range queue {
		m.flush(b)
	}
	log.Debug("flush worker stopped", "kind", kind.String())
}

// flush writes one batch with bounded retries. A batch that still fails is
// dropped and counted; it is never retried indefinitely.
func (m *Manager) flush(b *types.Batch) {
	ctx := logging.ContextWithBatchID(m.ctx, b.ID)

	res, err := m.writeWithRetry(ctx, b)
	if res.Fallback {
		m.stats.fallbacks.Add(1)
	}
	if res.CacheErr != nil {
		m.stats.cacheErrors.Add(1)
	}
	if err != nil {
		m.stats.flushErrors.Add(1)
		m.stats.recordsDropped.Add(uint64(b.Len()))
		logging.WithContext(ctx).Error("flush failed, batch dropped",
			"kind", b.Kind.String(), "rows", b.Len(), "error", err)
		return
	}

	m.stats.batchesFlushed.Add(1)
	m.stats.recordsFlushed.Add(uint64(res.Rows))
	log.Debug("batch flushed",
		"kind", b.Kind.String(), "batch_id", b.ID, "rows", res.Rows,
		"duration", res.Duration, "fallback", res.Fallback)
}

// writeWithRetry retries retriable failures with exponential backoff and
// ±25% jitter. Each attempt gets its own FlushTimeout; an attempt that
// times out is retried like any other transient failure.
func (m *Manager) writeWithRetry(ctx context.Context, b *types.Batch) (backend.Result, error) {
	backoff := m.opts.RetryBackoff

	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.FlushTimeout)
		res := m.backend.BulkWrite(attemptCtx, b)
		timedOut := attemptCtx.Err() != nil
		cancel()

		err := res.Err()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("flush abandoned: %w", err)
		}
		if !errors.IsRetriable(err) && !timedOut {
			return res, fmt.Errorf("non-retriable error: %w", err)
		}
		if attempt >= m.opts.MaxRetries {
			return res, fmt.Errorf("max retries exceeded: %w", err)
		}

		m.stats.retries.Add(1)
		sleep := jitter(backoff)
		log.Warn("retrying flush",
			"kind", b.Kind.String(),
			"batch_id", b.ID,
			"attempt", attempt+1,
			"max_retries", m.opts.MaxRetries,
			"backoff", sleep,
			"error", err)

		select {
		case <-ctx.Done():
			return res, fmt.Errorf("flush abandoned: %w", err)
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > m.opts.MaxRetryBackoff {
			backoff = m.opts.MaxRetryBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	j := time.Duration(rand.Int64N(int64(d) / 2))
	if rand.IntN(2) == 0 {
		j = -j
	}
	return d + j/2
}

// =============================================================================
// Shutdown
// =============================================================================

// Close stops the flush timer, flushes every non-empty batch and waits for
// all queued flushes to finish. Records enqueued after Close are dropped.
// When ctx expires first, in-flight flushes are abandoned and ctx.Err() is
// returned.
func (m *Manager) Close(ctx context.Context) error {
	if !m.opts.Enabled {
		return nil
	}

	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		return nil
	}
	m.closed = true
	m.stateMu.Unlock()

	close(m.stop)
	m.tickerWG.Wait()

	// No producer or timer can submit any more. The final batches queue
	// behind whatever is already waiting, preserving per-kind order.
	var abandoned atomic.Uint64
	m.drainAll(func(b *types.Batch) {
		select {
		case m.queues[b.Kind] <- b:
			m.stats.batchesQueued.Add(1)
		case <-ctx.Done():
			abandoned.Add(uint64(b.Len()))
		}
	})
	for _, q := range m.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		m.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()

	if n := abandoned.Load(); n > 0 {
		m.stats.recordsDropped.Add(n)
	}

	s := m.Stats()
	log.Info("ingestion manager stopped",
		"records_flushed", s.RecordsFlushed,
		"records_dropped", s.RecordsDropped,
		"flush_errors", s.FlushErrors,
		"retries", s.Retries)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ingestion close: %w", err)
	}
	return nil
}
