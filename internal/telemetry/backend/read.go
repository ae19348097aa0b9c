package backend

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// =============================================================================
// Read Model
// =============================================================================

// Source tells where a latest value was served from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceDurable Source = "durable"
)

// checkRange rejects inverted ranges and spans wider than the lookback.
// Oversized ranges are an error, never silently truncated.
func (h *Hybrid) checkRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("from and to are required: %w", errors.ErrInvalidRange)
	}
	if to.Before(from) {
		return fmt.Errorf("to %s before from %s: %w",
			to.UTC().Format(time.RFC3339), from.UTC().Format(time.RFC3339), errors.ErrInvalidRange)
	}
	if span := to.Sub(from); span > h.opts.MaxLookback {
		return errors.NewRangeTooLarge(span, h.opts.MaxLookback)
	}
	return nil
}

// limit applies the default and rejects values above the hard maximum.
func (h *Hybrid) limit(n int) (int, error) {
	switch {
	case n == 0:
		return h.opts.DefaultLimit, nil
	case n < 0:
		return 0, errors.NewInvalidValue("limit", n, "must be positive")
	case n > h.opts.MaxLimit:
		return 0, errors.NewInvalidValue("limit", n, fmt.Sprintf("must be at most %d", h.opts.MaxLimit))
	}
	return n, nil
}

func checkProfile(profileID int64) error {
	if profileID <= 0 {
		return errors.NewInvalidProfile(profileID)
	}
	return nil
}

// GetTrades returns trades of a profile with entry_time in [From, To],
// newest first.
func (h *Hybrid) GetTrades(ctx context.Context, q durable.TradeQuery) ([]durable.StoredTrade, error) {
	if err := checkProfile(q.ProfileID); err != nil {
		return nil, err
	}
	if err := h.checkRange(q.From, q.To); err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, errors.NewInvalidValue("offset", q.Offset, "must not be negative")
	}
	limit, err := h.limit(q.Limit)
	if err != nil {
		return nil, err
	}
	q.Limit = limit
	return h.store.QueryTrades(ctx, q)
}

// GetAggregatedMetrics returns the windows of a profile overlapping
// [From, To), newest first.
func (h *Hybrid) GetAggregatedMetrics(ctx context.Context, q durable.AggregateQuery) ([]types.AggregatedMetric, error) {
	if err := checkProfile(q.ProfileID); err != nil {
		return nil, err
	}
	if q.WindowType != "" && !q.WindowType.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidWindow, "window_type %q", q.WindowType)
	}
	if err := h.checkRange(q.From, q.To); err != nil {
		return nil, err
	}
	limit, err := h.limit(q.Limit)
	if err != nil {
		return nil, err
	}
	q.Limit = limit
	return h.store.QueryAggregates(ctx, q)
}

// GetHealth returns health snapshots of a profile, newest first.
func (h *Hybrid) GetHealth(ctx context.Context, q durable.HealthQuery) ([]durable.StoredHealth, error) {
	if err := checkProfile(q.ProfileID); err != nil {
		return nil, err
	}
	if err := h.checkRange(q.From, q.To); err != nil {
		return nil, err
	}
	limit, err := h.limit(q.Limit)
	if err != nil {
		return nil, err
	}
	q.Limit = limit
	return h.store.QueryHealth(ctx, q)
}

// GetLatest reads the cache only. A miss returns errors.ErrCacheMiss; it
// does not mean the value does not exist.
func (h *Hybrid) GetLatest(ctx context.Context, profileID int64, key string) (cache.Entry, error) {
	if h.cache == nil {
		return cache.Entry{}, errors.ErrCacheMiss
	}
	return h.cache.Get(ctx, profileID, key)
}

// GetAPILatencyStats summarizes the rolling API latency window of a script.
// The window lives in the cache only; without a cache it returns
// errors.ErrCacheMiss.
func (h *Hybrid) GetAPILatencyStats(ctx context.Context, profileID int64, script string) (cache.LatencyStats, error) {
	if err := checkProfile(profileID); err != nil {
		return cache.LatencyStats{}, err
	}
	if h.cache == nil {
		return cache.LatencyStats{}, errors.ErrCacheMiss
	}
	return h.cache.LatencyStats(ctx, profileID, script)
}

// GetLatestOrLoad reads the cache and falls back to the durable store on a
// miss or a cache failure. Concurrent misses of the same key share one
// durable read, whose result is written back to the cache. A caller that
// gives up does not cancel the shared read for the others.
func (h *Hybrid) GetLatestOrLoad(ctx context.Context, profileID int64, key string) (cache.Entry, Source, error) {
	if err := checkProfile(profileID); err != nil {
		return cache.Entry{}, "", err
	}

	e, err := h.GetLatest(ctx, profileID, key)
	if err == nil {
		return e, SourceCache, nil
	}
	if !errors.Is(err, errors.ErrCacheMiss) {
		log.Debug("cache read failed, loading from durable store", "key", key, "error", err)
	}

	ch := h.loads.DoChan(fmt.Sprintf("%d|%s", profileID, key), func() (any, error) {
		h.loadCount.Add(1)
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.LoadTimeout)
		defer cancel()
		e, err := loadLatest(lctx, h.store, profileID, key)
		if err != nil {
			return cache.Entry{}, err
		}
		if h.cache != nil {
			if err := h.cache.Set(lctx, profileID, key, e); err != nil {
				log.Debug("cache refill failed", "key", key, "error", err)
			}
		}
		return e, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return cache.Entry{}, "", ctx.Err()
	}
	if res.Err != nil {
		return cache.Entry{}, "", res.Err
	}
	return res.Val.(cache.Entry), SourceDurable, nil
}
