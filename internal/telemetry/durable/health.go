package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// =============================================================================
// Health Operations
// =============================================================================

const healthColumns = 7

var (
	healthInsertHead = `INSERT INTO system_health (profile_id, script_name, metric_name,
		metric_value, status, timestamp, metadata) VALUES `

	healthInsertRow = rowPlaceholders([]string{"?", "?", "?", decimalParam, "?", "?", "?"})

	healthSelect = `SELECT id, profile_id, script_name, metric_name, ` + decimalCol("metric_value") + `,
		status, timestamp, metadata FROM system_health`
)

// InsertHealth appends snapshots in one transaction.
func (c *Conn) InsertHealth(ctx context.Context, snapshots []types.HealthSnapshot) error {
	meta := make([]any, len(snapshots))
	for i := range snapshots {
		m, err := encodeMetadata(snapshots[i].Metadata)
		if err != nil {
			return fmt.Errorf("health %d: %w", i, err)
		}
		meta[i] = m
	}

	return c.execChunked(ctx, len(snapshots), func(lo, hi int) (string, []any) {
		return buildMultiRowInsert(healthInsertHead, healthInsertRow, hi-lo, func(i int, dst []any) []any {
			h := &snapshots[lo+i]
			return append(dst,
				h.ProfileID,
				h.ScriptName,
				h.MetricName,
				nullDecimalArg(h.MetricValue),
				string(h.Status),
				ts(h.Timestamp),
				meta[lo+i],
			)
		}, healthColumns)
	})
}

// HealthQuery selects snapshots of one profile by timestamp.
type HealthQuery struct {
	ProfileID  int64
	ScriptName string
	MetricName string
	From       time.Time
	To         time.Time
	Limit      int
}

// StoredHealth is a snapshot as read back, with its row id.
type StoredHealth struct {
	ID int64
	types.HealthSnapshot
}

// QueryHealth returns snapshots ordered by timestamp descending.
func (c *Conn) QueryHealth(ctx context.Context, q HealthQuery) ([]StoredHealth, error) {
	query := healthSelect + ` WHERE profile_id = ? AND timestamp >= ? AND timestamp <= ?`
	args := []any{q.ProfileID, ts(q.From), ts(q.To)}
	if q.ScriptName != "" {
		query += ` AND script_name = ?`
		args = append(args, q.ScriptName)
	}
	if q.MetricName != "" {
		query += ` AND metric_name = ?`
		args = append(args, q.MetricName)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	return c.scanHealth(ctx, query, args...)
}

// LatestHealth returns the most recent snapshot of a script metric.
func (c *Conn) LatestHealth(ctx context.Context, profileID int64, script, metric string) (*StoredHealth, error) {
	out, err := c.scanHealth(ctx,
		healthSelect+` WHERE profile_id = ? AND script_name = ? AND metric_name = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		profileID, script, metric)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// HealthIn returns every snapshot with timestamp in [from, to).
func (c *Conn) HealthIn(ctx context.Context, from, to time.Time) ([]StoredHealth, error) {
	return c.scanHealth(ctx,
		healthSelect+` WHERE timestamp >= ? AND timestamp < ? ORDER BY profile_id, timestamp, id`,
		ts(from), ts(to))
}

// HealthBefore returns up to limit snapshots older than cutoff, oldest id
// first.
func (c *Conn) HealthBefore(ctx context.Context, cutoff time.Time, limit int) ([]StoredHealth, error) {
	return c.scanHealth(ctx,
		healthSelect+` WHERE timestamp < ? ORDER BY id LIMIT ?`,
		ts(cutoff), limit)
}

// DeleteHealthUpTo deletes snapshots older than cutoff with id <= maxID.
func (c *Conn) DeleteHealthUpTo(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM system_health WHERE timestamp < ? AND id <= ?`, ts(cutoff), maxID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Conn) scanHealth(ctx context.Context, query string, args ...any) ([]StoredHealth, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query health: %w", err)
	}
	defer rows.Close()

	var out []StoredHealth
	for rows.Next() {
		var (
			h               StoredHealth
			value, metadata sql.NullString
			status          string
		)
		if err := rows.Scan(&h.ID, &h.ProfileID, &h.ScriptName, &h.MetricName, &value,
			&status, &h.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan health: %w", err)
		}
		if h.MetricValue, err = parseNullDecimal(value); err != nil {
			return nil, err
		}
		h.Status = types.HealthStatus(status)
		h.Timestamp = h.Timestamp.UTC()
		if h.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
