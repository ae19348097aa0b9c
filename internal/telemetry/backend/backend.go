// Package backend provides the storage backend of the telemetry core: a
// hybrid of the durable store and the hot cache.
//
// BulkWrite persists a batch with one multi-row operation and then mirrors
// the latest value per logical key into the cache. The durable write is the
// record of truth: a cache failure never fails a batch, it is reported in
// Result.CacheErr.
package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/deltadyno/telemetry/config"
	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

var log = logging.Component("backend")

// Backend persists batches. The ingestion manager depends only on this.
type Backend interface {
	BulkWrite(ctx context.Context, batch *types.Batch) Result
}

// Result is the outcome of one BulkWrite.
type Result struct {
	BatchID string
	Kind    types.Kind
	Rows    int

	// Fallback is true when the durable write used a transient connection
	// because the pool was exhausted.
	Fallback bool

	// Durable is the durable write error. A non-nil value means no row of
	// the batch was persisted.
	Durable error

	// CacheErr is the cache mirror error. It never fails the batch.
	CacheErr error

	Duration time.Duration
}

// Err returns the error that decides whether the batch must be retried.
func (r Result) Err() error {
	return r.Durable
}

// OK reports whether the batch was persisted.
func (r Result) OK() bool {
	return r.Durable == nil
}

// Options configures read bounds.
type Options struct {
	MaxLookback  time.Duration
	DefaultLimit int
	MaxLimit     int
	// LoadTimeout bounds a shared latest-value load. The load does not
	// inherit the cancellation of the caller that started it.
	LoadTimeout time.Duration
}

// DefaultOptions returns the documented read bounds.
func DefaultOptions() Options {
	return Options{
		MaxLookback:  time.Duration(config.DefaultMaxLookbackDays) * 24 * time.Hour,
		DefaultLimit: config.DefaultQueryLimit,
		MaxLimit:     config.MaxQueryLimit,
		LoadTimeout:  config.DefaultQueryTimeout,
	}
}

// Stats contains backend counters.
type Stats struct {
	Batches       uint64
	Rows          uint64
	Failures      uint64
	Fallbacks     uint64
	CacheFailures uint64
	Loads         uint64
}

// Hybrid is the durable store plus hot cache backend. The cache may be nil,
// in which case writes skip the mirror and every latest-value read falls
// through to the durable store.
type Hybrid struct {
	store *durable.Store
	cache *cache.Cache
	opts  Options

	loads singleflight.Group

	batches       atomic.Uint64
	rows          atomic.Uint64
	failures      atomic.Uint64
	fallbacks     atomic.Uint64
	cacheFailures atomic.Uint64
	loadCount     atomic.Uint64
}

// New creates a hybrid backend over already opened pools.
func New(store *durable.Store, c *cache.Cache, opts Options) *Hybrid {
	def := DefaultOptions()
	if opts.MaxLookback <= 0 {
		opts.MaxLookback = def.MaxLookback
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = def.MaxLimit
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}
	if opts.DefaultLimit <= 0 || opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = min(def.DefaultLimit, opts.MaxLimit)
	}
	return &Hybrid{store: store, cache: c, opts: opts}
}

// Stats returns the backend counters.
func (h *Hybrid) Stats() Stats {
	return Stats{
		Batches:       h.batches.Load(),
		Rows:          h.rows.Load(),
		Failures:      h.failures.Load(),
		Fallbacks:     h.fallbacks.Load(),
		CacheFailures: h.cacheFailures.Load(),
		Loads:         h.loadCount.Load(),
	}
}

// =============================================================================
// Bulk Write
// =============================================================================

// BulkWrite persists the batch and mirrors it into the cache. The batch is
// only read.
func (h *Hybrid) BulkWrite(ctx context.Context, batch *types.Batch) Result {
	if batch == nil {
		return Result{}
	}
	start := time.Now()
	res := Result{BatchID: batch.ID, Kind: batch.Kind, Rows: batch.Len()}
	if res.Rows == 0 {
		return res
	}

	write, err := writerFor(ctx, batch)
	if err != nil {
		res.Durable = err
		return res
	}

	err = h.store.WithConn(ctx, write)
	if errors.Is(err, errors.ErrPoolExhausted) {
		res.Fallback = true
		h.fallbacks.Add(1)
		log.Warn("durable pool exhausted, using transient connection",
			"batch_id", batch.ID, "kind", batch.Kind.String(), "rows", res.Rows)
		err = h.store.WithTransientConn(ctx, write)
	}
	if err != nil {
		h.failures.Add(1)
		res.Durable = fmt.Errorf("bulk write %s batch %s: %w", batch.Kind, batch.ID, err)
		res.Duration = time.Since(start)
		return res
	}

	h.batches.Add(1)
	h.rows.Add(uint64(res.Rows))

	if h.cache != nil {
		if err := h.mirror(ctx, batch); err != nil {
			h.cacheFailures.Add(1)
			res.CacheErr = err
			log.Debug("cache mirror failed", "batch_id", batch.ID, "error", err)
		}
	}

	res.Duration = time.Since(start)
	return res
}

// writerFor returns the single multi-row durable operation of a batch.
func writerFor(ctx context.Context, batch *types.Batch) (func(*durable.Conn) error, error) {
	switch batch.Kind {
	case types.KindMetric:
		var gauges, counters []types.AggregatedMetric
		for i := range batch.Metrics {
			row := batch.Metrics[i].ToAggregate()
			if types.IsCounter(row.MetricName) {
				counters = append(counters, row)
			} else {
				gauges = append(gauges, row)
			}
		}
		// Gauges first: a retry after a failed counter write must not add
		// the counters twice, and rewriting gauges is idempotent.
		return func(c *durable.Conn) error {
			if err := c.UpsertAggregates(ctx, gauges); err != nil {
				return err
			}
			return c.AccumulateCounters(ctx, counters)
		}, nil
	case types.KindTrade:
		return func(c *durable.Conn) error { return c.InsertTrades(ctx, batch.Trades) }, nil
	case types.KindHealth:
		return func(c *durable.Conn) error { return c.InsertHealth(ctx, batch.Health) }, nil
	default:
		return nil, errors.NewInvalidValue("kind", batch.Kind, "unknown record kind")
	}
}

// Close releases nothing: the pools are owned by the service that opened
// them.
func (h *Hybrid) Close() error {
	return nil
}
