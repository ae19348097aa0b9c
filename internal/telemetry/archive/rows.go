package archive

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// TradeRow is a trade in Parquet format. Decimals are kept as their exact
// text form.
type TradeRow struct {
	ID              int64  `parquet:"id"`
	ProfileID       int64  `parquet:"profile_id"`
	Symbol          string `parquet:"symbol,dict,zstd"`
	TradeType       string `parquet:"trade_type,dict,zstd"`
	EntryPrice      string `parquet:"entry_price"`
	ExitPrice       string `parquet:"exit_price"`
	Quantity        int64  `parquet:"quantity"`
	PnL             string `parquet:"pnl"`
	PnLPct          string `parquet:"pnl_pct"`
	Slippage        string `parquet:"slippage"`
	EntryTimeUs     int64  `parquet:"entry_time_us"`
	ExitTimeUs      int64  `parquet:"exit_time_us"`
	DurationSeconds int64  `parquet:"duration_seconds"`
	Direction       string `parquet:"direction,optional,zstd"`
	ExitReason      string `parquet:"exit_reason,optional,zstd"`
	Metadata        string `parquet:"metadata,optional,zstd"`
}

// HealthRow is a health snapshot in Parquet format. An empty MetricValue
// is a snapshot without a value.
type HealthRow struct {
	ID          int64  `parquet:"id"`
	ProfileID   int64  `parquet:"profile_id"`
	ScriptName  string `parquet:"script_name,dict,zstd"`
	MetricName  string `parquet:"metric_name,dict,zstd"`
	MetricValue string `parquet:"metric_value,optional"`
	Status      string `parquet:"status,dict"`
	TimestampUs int64  `parquet:"timestamp_us"`
	Metadata    string `parquet:"metadata,optional,zstd"`
}

func encodeMetadata(m types.Metadata) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (types.Metadata, error) {
	if s == "" {
		return nil, nil
	}
	var m types.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// TradeToRow converts a stored trade to a TradeRow.
func TradeToRow(t *durable.StoredTrade) (TradeRow, error) {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return TradeRow{}, fmt.Errorf("trade %d: %w", t.ID, err)
	}
	return TradeRow{
		ID:              t.ID,
		ProfileID:       t.ProfileID,
		Symbol:          t.Symbol,
		TradeType:       t.TradeType,
		EntryPrice:      t.EntryPrice.String(),
		ExitPrice:       t.ExitPrice.String(),
		Quantity:        t.Quantity,
		PnL:             t.PnL.String(),
		PnLPct:          t.PnLPct.String(),
		Slippage:        t.Slippage.String(),
		EntryTimeUs:     t.EntryTime.UnixMicro(),
		ExitTimeUs:      t.ExitTime.UnixMicro(),
		DurationSeconds: int64(t.Duration / time.Second),
		Direction:       t.Direction,
		ExitReason:      t.ExitReason,
		Metadata:        meta,
	}, nil
}

// RowToTrade converts a TradeRow back to a stored trade.
func RowToTrade(r *TradeRow) (durable.StoredTrade, error) {
	var firstErr error
	dec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("trade %d: parse decimal %q: %w", r.ID, s, err)
		}
		return d
	}

	t := durable.StoredTrade{
		ID: r.ID,
		TradeRecord: types.TradeRecord{
			ProfileID:  r.ProfileID,
			Symbol:     r.Symbol,
			TradeType:  r.TradeType,
			EntryPrice: dec(r.EntryPrice),
			ExitPrice:  dec(r.ExitPrice),
			Quantity:   r.Quantity,
			PnL:        dec(r.PnL),
			PnLPct:     dec(r.PnLPct),
			Slippage:   dec(r.Slippage),
			EntryTime:  fromMicros(r.EntryTimeUs),
			ExitTime:   fromMicros(r.ExitTimeUs),
			Duration:   time.Duration(r.DurationSeconds) * time.Second,
			Direction:  r.Direction,
			ExitReason: r.ExitReason,
		},
	}
	if firstErr != nil {
		return durable.StoredTrade{}, firstErr
	}

	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return durable.StoredTrade{}, fmt.Errorf("trade %d: %w", r.ID, err)
	}
	t.Metadata = meta
	return t, nil
}

// HealthToRow converts a stored snapshot to a HealthRow.
func HealthToRow(h *durable.StoredHealth) (HealthRow, error) {
	meta, err := encodeMetadata(h.Metadata)
	if err != nil {
		return HealthRow{}, fmt.Errorf("health %d: %w", h.ID, err)
	}
	row := HealthRow{
		ID:          h.ID,
		ProfileID:   h.ProfileID,
		ScriptName:  h.ScriptName,
		MetricName:  h.MetricName,
		Status:      string(h.Status),
		TimestampUs: h.Timestamp.UnixMicro(),
		Metadata:    meta,
	}
	if h.MetricValue.Valid {
		row.MetricValue = h.MetricValue.Decimal.String()
	}
	return row, nil
}

// RowToHealth converts a HealthRow back to a stored snapshot.
func RowToHealth(r *HealthRow) (durable.StoredHealth, error) {
	h := durable.StoredHealth{
		ID: r.ID,
		HealthSnapshot: types.HealthSnapshot{
			ProfileID:  r.ProfileID,
			ScriptName: r.ScriptName,
			MetricName: r.MetricName,
			Status:     types.HealthStatus(r.Status),
			Timestamp:  fromMicros(r.TimestampUs),
		},
	}
	if r.MetricValue != "" {
		d, err := decimal.NewFromString(r.MetricValue)
		if err != nil {
			return durable.StoredHealth{}, fmt.Errorf("health %d: parse decimal %q: %w", r.ID, r.MetricValue, err)
		}
		h.MetricValue = decimal.NewNullDecimal(d)
	}
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return durable.StoredHealth{}, fmt.Errorf("health %d: %w", r.ID, err)
	}
	h.Metadata = meta
	return h, nil
}
