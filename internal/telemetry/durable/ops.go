package durable

import (
	"context"
	"time"

	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// Pooled convenience wrappers for callers that never take the fallback
// path (the aggregator and the read API).

// QueryTrades reads trades through the pool.
func (s *Store) QueryTrades(ctx context.Context, q TradeQuery) ([]StoredTrade, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]StoredTrade, error) {
		return c.QueryTrades(ctx, q)
	})
}

// QueryAggregates reads aggregated metrics through the pool.
func (s *Store) QueryAggregates(ctx context.Context, q AggregateQuery) ([]types.AggregatedMetric, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]types.AggregatedMetric, error) {
		return c.QueryAggregates(ctx, q)
	})
}

// QueryHealth reads health snapshots through the pool.
func (s *Store) QueryHealth(ctx context.Context, q HealthQuery) ([]StoredHealth, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]StoredHealth, error) {
		return c.QueryHealth(ctx, q)
	})
}

// LatestAggregate reads the newest row of a metric.
func (s *Store) LatestAggregate(ctx context.Context, profileID int64, metricType, metricName string) (*types.AggregatedMetric, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) (*types.AggregatedMetric, error) {
		return c.LatestAggregate(ctx, profileID, metricType, metricName)
	})
}

// LatestHealth reads the newest snapshot of a script metric.
func (s *Store) LatestHealth(ctx context.Context, profileID int64, script, metric string) (*StoredHealth, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) (*StoredHealth, error) {
		return c.LatestHealth(ctx, profileID, script, metric)
	})
}

// LatestTrade reads the newest trade of a symbol.
func (s *Store) LatestTrade(ctx context.Context, profileID int64, symbol string) (*StoredTrade, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) (*StoredTrade, error) {
		return c.LatestTrade(ctx, profileID, symbol)
	})
}

// TradesClosedIn reads trades closed in [from, to).
func (s *Store) TradesClosedIn(ctx context.Context, from, to time.Time) ([]StoredTrade, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]StoredTrade, error) {
		return c.TradesClosedIn(ctx, from, to)
	})
}

// HealthIn reads snapshots in [from, to).
func (s *Store) HealthIn(ctx context.Context, from, to time.Time) ([]StoredHealth, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]StoredHealth, error) {
		return c.HealthIn(ctx, from, to)
	})
}

// AggregatesIn reads rows of one window type starting in [from, to).
func (s *Store) AggregatesIn(ctx context.Context, wt types.WindowType, from, to time.Time) ([]types.AggregatedMetric, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]types.AggregatedMetric, error) {
		return c.AggregatesIn(ctx, wt, from, to)
	})
}

// UpsertAggregates writes aggregated rows through the pool.
func (s *Store) UpsertAggregates(ctx context.Context, rows []types.AggregatedMetric) error {
	return s.WithConn(ctx, func(c *Conn) error {
		return c.UpsertAggregates(ctx, rows)
	})
}

// Watermark reads the aggregation watermark of wt.
func (s *Store) Watermark(ctx context.Context, wt types.WindowType) (time.Time, bool, error) {
	var (
		w  time.Time
		ok bool
	)
	err := s.WithConn(ctx, func(c *Conn) error {
		var err error
		w, ok, err = c.Watermark(ctx, wt)
		return err
	})
	return w, ok, err
}

// SetWatermark stores the aggregation watermark of wt.
func (s *Store) SetWatermark(ctx context.Context, wt types.WindowType, watermark time.Time) error {
	return s.WithConn(ctx, func(c *Conn) error {
		return c.SetWatermark(ctx, wt, watermark)
	})
}

// Watermarks reads every stored watermark.
func (s *Store) Watermarks(ctx context.Context) (map[types.WindowType]time.Time, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) (map[types.WindowType]time.Time, error) {
		return c.Watermarks(ctx)
	})
}

// TradesBefore reads trades closed before cutoff, oldest id first.
func (s *Store) TradesBefore(ctx context.Context, cutoff time.Time, limit int) ([]StoredTrade, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]StoredTrade, error) {
		return c.TradesBefore(ctx, cutoff, limit)
	})
}

// HealthBefore reads snapshots older than cutoff, oldest id first.
func (s *Store) HealthBefore(ctx context.Context, cutoff time.Time, limit int) ([]StoredHealth, error) {
	return read(ctx, s, func(ctx context.Context, c *Conn) ([]StoredHealth, error) {
		return c.HealthBefore(ctx, cutoff, limit)
	})
}

// DeleteTradesUpTo deletes trades closed before cutoff with id <= maxID.
func (s *Store) DeleteTradesUpTo(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	var n int64
	err := s.WithConn(ctx, func(c *Conn) error {
		var err error
		n, err = c.DeleteTradesUpTo(ctx, cutoff, maxID)
		return err
	})
	return n, err
}

// DeleteHealthUpTo deletes snapshots older than cutoff with id <= maxID.
func (s *Store) DeleteHealthUpTo(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	var n int64
	err := s.WithConn(ctx, func(c *Conn) error {
		var err error
		n, err = c.DeleteHealthUpTo(ctx, cutoff, maxID)
		return err
	})
	return n, err
}

// DeleteAggregatesBefore deletes aggregated rows whose window ended before
// cutoff.
func (s *Store) DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.WithConn(ctx, func(c *Conn) error {
		var err error
		n, err = c.DeleteAggregatesBefore(ctx, cutoff)
		return err
	})
	return n, err
}
