package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// =============================================================================
// Aggregation State Persistence
// =============================================================================

// Watermark returns the end of the last aggregated window of wt. ok is
// false when the aggregator has never run for wt.
func (c *Conn) Watermark(ctx context.Context, wt types.WindowType) (watermark time.Time, ok bool, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT watermark FROM aggregation_state WHERE window_type = ?`, string(wt)).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load watermark %s: %w", wt, err)
	}
	return watermark.UTC(), true, nil
}

// SetWatermark records that every window of wt ending at or before
// watermark has been aggregated.
func (c *Conn) SetWatermark(ctx context.Context, wt types.WindowType, watermark time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO aggregation_state (window_type, watermark) VALUES (?, ?)
		ON CONFLICT (window_type) DO UPDATE SET watermark = excluded.watermark, updated_at = now()
	`, string(wt), ts(watermark))
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", wt, err)
	}
	return nil
}

// Watermarks returns every stored watermark.
func (c *Conn) Watermarks(ctx context.Context) (map[types.WindowType]time.Time, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT window_type, watermark FROM aggregation_state`)
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[types.WindowType]time.Time)
	for rows.Next() {
		var (
			wt string
			w  time.Time
		)
		if err := rows.Scan(&wt, &w); err != nil {
			return nil, err
		}
		out[types.WindowType(wt)] = w.UTC()
	}
	return out, rows.Err()
}
