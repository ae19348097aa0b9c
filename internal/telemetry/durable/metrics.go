package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deltadyno/telemetry/internal/telemetry/types"
	"github.com/deltadyno/telemetry/internal/validation"
)

// =============================================================================
// Aggregated Metric Operations
// =============================================================================

const metricColumns = 8

var (
	metricUpsertHead = `INSERT INTO telemetry_metrics (profile_id, metric_type, metric_name,
		metric_value, window_type, window_start, window_end, metadata) VALUES `

	metricUpsertRow = rowPlaceholders([]string{"?", "?", "?", decimalParam, "?", "?", "?", "?"})

	// window_end is derived from the key and indexed, so it is never
	// assigned on conflict.
	metricUpsertTail = ` ON CONFLICT (profile_id, metric_type, metric_name, window_type, window_start)
		DO UPDATE SET metric_value = excluded.metric_value,
			metadata = excluded.metadata,
			updated_at = now()`

	counterUpsertTail = ` ON CONFLICT (profile_id, metric_type, metric_name, window_type, window_start)
		DO UPDATE SET metric_value = telemetry_metrics.metric_value + excluded.metric_value,
			metadata = excluded.metadata,
			updated_at = now()`

	metricSelect = `SELECT profile_id, metric_type, metric_name, ` + decimalCol("metric_value") + `,
		window_type, window_start, window_end, metadata FROM telemetry_metrics`
)

type aggregateKey struct {
	profileID   int64
	metricType  string
	metricName  string
	windowType  types.WindowType
	windowStart int64
}

// dedupeAggregates collapses rows with the same key, keeping the last
// occurrence at the position of the first. With sum set the values of
// collapsed rows are added instead.
func dedupeAggregates(rows []types.AggregatedMetric, sum bool) []types.AggregatedMetric {
	index := make(map[aggregateKey]int, len(rows))
	out := make([]types.AggregatedMetric, 0, len(rows))
	for _, r := range rows {
		k := aggregateKey{r.ProfileID, r.MetricType, r.MetricName, r.WindowType, r.WindowStart.UnixMicro()}
		if i, ok := index[k]; ok {
			if sum {
				r.Value = r.Value.Add(out[i].Value)
			}
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// UpsertAggregates writes rows keyed by (profile_id, metric_type,
// metric_name, window_type, window_start). An existing row takes the new
// metric_value; duplicates within rows resolve last-write-wins.
func (c *Conn) UpsertAggregates(ctx context.Context, rows []types.AggregatedMetric) error {
	return c.upsertAggregates(ctx, dedupeAggregates(rows, false), metricUpsertTail)
}

// AccumulateCounters adds rows to the stored value of their key, creating
// the row when it does not exist yet. Duplicates within rows are summed.
func (c *Conn) AccumulateCounters(ctx context.Context, rows []types.AggregatedMetric) error {
	return c.upsertAggregates(ctx, dedupeAggregates(rows, true), counterUpsertTail)
}

func (c *Conn) upsertAggregates(ctx context.Context, rows []types.AggregatedMetric, tail string) error {
	meta := make([]any, len(rows))
	for i := range rows {
		rows[i].Normalize()
		m, err := encodeMetadata(rows[i].Metadata)
		if err != nil {
			return fmt.Errorf("metric %d: %w", i, err)
		}
		meta[i] = m
	}

	return c.execChunked(ctx, len(rows), func(lo, hi int) (string, []any) {
		query, args := buildMultiRowInsert(metricUpsertHead, metricUpsertRow, hi-lo, func(i int, dst []any) []any {
			a := &rows[lo+i]
			return append(dst,
				a.ProfileID,
				a.MetricType,
				a.MetricName,
				decimalArg(a.Value),
				string(a.WindowType),
				ts(a.WindowStart),
				ts(a.WindowEnd),
				meta[lo+i],
			)
		}, metricColumns)
		return query + tail, args
	})
}

// AggregateQuery selects aggregated rows of one profile whose window
// overlaps [From, To).
type AggregateQuery struct {
	ProfileID  int64
	MetricType string
	MetricName string
	// MetricPrefix matches metric names starting with it, e.g.
	// "breakout.api_latency_ms." for the latency percentiles of one script.
	// Ignored when MetricName is set.
	MetricPrefix string
	// WindowType is optional; empty matches every type.
	WindowType types.WindowType
	From       time.Time
	To         time.Time
	Limit      int
}

// QueryAggregates returns rows ordered by window_start descending.
func (c *Conn) QueryAggregates(ctx context.Context, q AggregateQuery) ([]types.AggregatedMetric, error) {
	query := metricSelect + ` WHERE profile_id = ? AND window_end > ? AND window_start < ?`
	args := []any{q.ProfileID, ts(q.From), ts(q.To)}
	if q.MetricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, q.MetricType)
	}
	if q.MetricName != "" {
		query += ` AND metric_name = ?`
		args = append(args, q.MetricName)
	} else if q.MetricPrefix != "" {
		query += ` AND metric_name LIKE ? ESCAPE '\'`
		args = append(args, validation.SafeLikePrefix(q.MetricPrefix))
	}
	if q.WindowType != "" {
		query += ` AND window_type = ?`
		args = append(args, string(q.WindowType))
	}
	query += ` ORDER BY window_start DESC, metric_type, metric_name LIMIT ?`
	args = append(args, q.Limit)

	return c.scanAggregates(ctx, query, args...)
}

// LatestAggregate returns the newest row of a metric, preferring hour
// windows over coarser roll-ups.
func (c *Conn) LatestAggregate(ctx context.Context, profileID int64, metricType, metricName string) (*types.AggregatedMetric, error) {
	out, err := c.scanAggregates(ctx,
		metricSelect+` WHERE profile_id = ? AND metric_type = ? AND metric_name = ?
		ORDER BY (window_type = 'hour') DESC, window_start DESC, updated_at DESC LIMIT 1`,
		profileID, metricType, metricName)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// AggregatesIn returns every row of one window type starting in [from, to).
func (c *Conn) AggregatesIn(ctx context.Context, wt types.WindowType, from, to time.Time) ([]types.AggregatedMetric, error) {
	return c.scanAggregates(ctx,
		metricSelect+` WHERE window_type = ? AND window_start >= ? AND window_start < ?
		ORDER BY profile_id, metric_type, metric_name, window_start`,
		string(wt), ts(from), ts(to))
}

// DeleteAggregatesBefore deletes rows whose window ended before cutoff.
func (c *Conn) DeleteAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM telemetry_metrics WHERE window_end < ?`, ts(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Conn) scanAggregates(ctx context.Context, query string, args ...any) ([]types.AggregatedMetric, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []types.AggregatedMetric
	for rows.Next() {
		var (
			a                 types.AggregatedMetric
			value, windowType string
			metadata          sql.NullString
		)
		if err := rows.Scan(&a.ProfileID, &a.MetricType, &a.MetricName, &value,
			&windowType, &a.WindowStart, &a.WindowEnd, &metadata); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if a.Value, err = parseDecimal(value); err != nil {
			return nil, err
		}
		a.WindowType = types.WindowType(windowType)
		a.WindowStart = a.WindowStart.UTC()
		a.WindowEnd = a.WindowEnd.UTC()
		if a.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
