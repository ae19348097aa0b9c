package ingestion

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// Metric types written by the producer helpers.
const (
	MetricTypeBreakout = "breakout"
	MetricTypeEquity   = "equity"
	MetricTypeOrder    = "order"
)

// BreakoutSignal is a detected breakout bar.
type BreakoutSignal struct {
	ProfileID   int64
	Symbol      string
	Direction   string
	BarStrength float64
	ClosePrice  decimal.Decimal
	CandleSize  decimal.Decimal
	Volume      int64
	Timestamp   time.Time
	Metadata    types.Metadata
}

// RecordBreakoutSignal records the signal's bar strength and a signal count.
func (m *Manager) RecordBreakoutSignal(s BreakoutSignal) {
	if !m.opts.Enabled {
		return
	}
	meta := s.Metadata.Clone()
	if meta == nil {
		meta = types.Metadata{}
	}
	meta["symbol"] = s.Symbol
	meta["direction"] = s.Direction
	meta["close_price"] = s.ClosePrice.String()
	meta["candle_size"] = s.CandleSize.String()
	meta["volume"] = s.Volume

	m.EnqueueMetric(types.MetricSample{
		ProfileID: s.ProfileID, MetricType: MetricTypeBreakout, MetricName: "bar_strength",
		Value: s.BarStrength, Timestamp: s.Timestamp, Metadata: meta,
	})
	m.EnqueueMetric(types.MetricSample{
		ProfileID: s.ProfileID, MetricType: MetricTypeBreakout, MetricName: "signal_count",
		Value: 1, Timestamp: s.Timestamp, Metadata: meta,
	})
}

// RecordBreakoutOutcome records a closed breakout trade. pnl, pnl_pct,
// slippage and duration are derived from the prices and times.
func (m *Manager) RecordBreakoutOutcome(o types.Outcome) {
	if !m.opts.Enabled {
		return
	}
	o.TradeType = types.TradeTypeBreakout
	m.EnqueueTrade(types.NewTradeFromOutcome(o))
}

// RecordTradePerformance records a closed trade as given.
func (m *Manager) RecordTradePerformance(t types.TradeRecord) {
	m.EnqueueTrade(t)
}

// EquityUpdate is an account snapshot.
type EquityUpdate struct {
	ProfileID       int64
	AccountEquity   decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	RealizedPnL     decimal.Decimal
	MarginUsed      decimal.Decimal
	MarginAvailable decimal.Decimal
	OpenPositions   int
	Timestamp       time.Time
	Metadata        types.Metadata
}

// RecordEquityUpdate records the account snapshot as equity metrics,
// deriving total_pnl and margin_utilization_pct.
func (m *Manager) RecordEquityUpdate(u EquityUpdate) {
	if !m.opts.Enabled {
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = m.opts.Now()
	}

	utilization := decimal.Zero
	if u.AccountEquity.IsPositive() {
		utilization = u.MarginUsed.Div(u.AccountEquity).Mul(decimal.NewFromInt(100))
	}

	values := []struct {
		name  string
		value decimal.Decimal
	}{
		{"account_equity", u.AccountEquity},
		{"unrealized_pnl", u.UnrealizedPnL},
		{"realized_pnl", u.RealizedPnL},
		{"total_pnl", u.UnrealizedPnL.Add(u.RealizedPnL)},
		{"margin_used", u.MarginUsed},
		{"margin_available", u.MarginAvailable},
		{"margin_utilization_pct", utilization},
		{"open_positions", decimal.NewFromInt(int64(u.OpenPositions))},
	}
	for _, v := range values {
		m.EnqueueMetric(types.MetricSample{
			ProfileID:  u.ProfileID,
			MetricType: MetricTypeEquity,
			MetricName: v.name,
			Value:      v.value.InexactFloat64(),
			Timestamp:  u.Timestamp,
			Metadata:   u.Metadata,
		})
	}
}

// OrderMetric is one order state change.
type OrderMetric struct {
	ProfileID      int64
	ScriptName     string
	OrderID        string
	Symbol         string
	OrderType      string
	Side           string
	Status         string
	Quantity       int64
	LimitPrice     decimal.NullDecimal
	FilledPrice    decimal.NullDecimal
	FilledQuantity int64
	// Slippage is derived from LimitPrice and FilledPrice when unset.
	Slippage     decimal.NullDecimal
	APILatencyMs *float64
	Timestamp    time.Time
	Metadata     types.Metadata
}

// RecordOrderMetric records an order count, the fill slippage when known
// and the API latency of the order call.
func (m *Manager) RecordOrderMetric(o OrderMetric) {
	if !m.opts.Enabled {
		return
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = m.opts.Now()
	}

	meta := o.Metadata.Clone()
	if meta == nil {
		meta = types.Metadata{}
	}
	meta["symbol"] = o.Symbol
	meta["order_type"] = o.OrderType
	meta["side"] = o.Side
	meta["status"] = o.Status
	meta["quantity"] = o.Quantity
	if o.OrderID != "" {
		meta["order_id"] = o.OrderID
	}
	if o.FilledPrice.Valid {
		meta["filled_price"] = o.FilledPrice.Decimal.String()
		meta["filled_quantity"] = o.FilledQuantity
	}

	m.EnqueueMetric(types.MetricSample{
		ProfileID: o.ProfileID, MetricType: MetricTypeOrder, MetricName: "order_count",
		Value: 1, Timestamp: o.Timestamp, Metadata: meta,
	})

	slippage := o.Slippage
	if !slippage.Valid && o.LimitPrice.Valid && o.FilledPrice.Valid && o.LimitPrice.Decimal.IsPositive() {
		slippage = decimal.NewNullDecimal(o.FilledPrice.Decimal.Sub(o.LimitPrice.Decimal).Abs().Div(o.LimitPrice.Decimal))
	}
	if slippage.Valid {
		m.EnqueueMetric(types.MetricSample{
			ProfileID: o.ProfileID, MetricType: MetricTypeOrder, MetricName: "fill_slippage",
			Value: slippage.Decimal.InexactFloat64(), Timestamp: o.Timestamp, Metadata: meta,
		})
	}

	if o.APILatencyMs != nil {
		script := o.ScriptName
		if script == "" {
			script = "unknown"
		}
		m.recordLatency(o.ProfileID, script, *o.APILatencyMs, o.Timestamp, types.Metadata{"operation": "order"})
	}
}

// SystemHealth is a periodic script health report.
type SystemHealth struct {
	ProfileID          int64
	ScriptName         string
	Status             types.HealthStatus
	APILatencyAvgMs    *float64
	RateLimitRemaining *int64
	RateLimitLimit     *int64
	ErrorCount         int64
	WarningCount       int64
	Metadata           types.Metadata
}

// RecordSystemHealth records the report as one snapshot per metric, all
// sharing the report's status and timestamp.
func (m *Manager) RecordSystemHealth(h SystemHealth) {
	if !m.opts.Enabled {
		return
	}
	now := m.opts.Now()

	snap := func(metric string, v decimal.NullDecimal) {
		m.EnqueueHealth(types.HealthSnapshot{
			ProfileID:   h.ProfileID,
			ScriptName:  h.ScriptName,
			MetricName:  metric,
			MetricValue: v,
			Status:      h.Status,
			Timestamp:   now,
			Metadata:    h.Metadata,
		})
	}

	snap(types.MetricStatus, decimal.NullDecimal{})
	snap("error_count", decimal.NewNullDecimal(decimal.NewFromInt(h.ErrorCount)))
	snap("warning_count", decimal.NewNullDecimal(decimal.NewFromInt(h.WarningCount)))
	lat := m.latencyStats(h.ProfileID, h.ScriptName)
	if h.APILatencyAvgMs == nil && lat.Count > 0 {
		h.APILatencyAvgMs = &lat.Avg
	}
	if h.APILatencyAvgMs != nil {
		snap("api_latency_avg_ms", decimal.NewNullDecimal(decimal.NewFromFloat(*h.APILatencyAvgMs)))
	}
	if lat.Count > 0 {
		snap("api_latency_p95_ms", decimal.NewNullDecimal(decimal.NewFromFloat(lat.P95)))
		snap("api_latency_p99_ms", decimal.NewNullDecimal(decimal.NewFromFloat(lat.P99)))
	}
	if h.RateLimitRemaining != nil {
		snap("rate_limit_remaining", decimal.NewNullDecimal(decimal.NewFromInt(*h.RateLimitRemaining)))
	}
	if h.RateLimitLimit != nil {
		snap("rate_limit_limit", decimal.NewNullDecimal(decimal.NewFromInt(*h.RateLimitLimit)))
	}
}

// latencyStats reads the script's rolling latency window. Failures and
// timeouts yield an empty summary.
func (m *Manager) latencyStats(profileID int64, script string) cache.LatencyStats {
	if m.opts.Latency == nil {
		return cache.LatencyStats{}
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.LatencyTimeout)
	defer cancel()
	st, err := m.opts.Latency.GetAPILatencyStats(ctx, profileID, script)
	if err != nil {
		if !errors.Is(err, errors.ErrCacheMiss) {
			log.Debug("latency stats unavailable", "script", script, "error", err)
		}
		return cache.LatencyStats{}
	}
	return st
}

// RecordAPILatency records one API call latency in milliseconds.
func (m *Manager) RecordAPILatency(profileID int64, script string, latencyMs float64) {
	if !m.opts.Enabled {
		return
	}
	m.recordLatency(profileID, script, latencyMs, m.opts.Now(), nil)
}

func (m *Manager) recordLatency(profileID int64, script string, ms float64, at time.Time, meta types.Metadata) {
	s := types.NewHealthSnapshot(profileID, script, types.MetricAPILatency, decimal.NewFromFloat(ms), types.StatusHealthy)
	s.Timestamp = at
	s.Metadata = meta
	m.EnqueueHealth(s)
}

// MeasureLatency runs fn and records its duration as an API latency
// sample, whether or not fn fails. fn's error is returned unchanged.
func (m *Manager) MeasureLatency(profileID int64, script, operation string, fn func() error) error {
	if !m.opts.Enabled {
		return fn()
	}

	start := time.Now()
	err := fn()
	ms := float64(time.Since(start).Microseconds()) / 1000

	meta := types.Metadata{"operation": operation}
	if err != nil {
		meta["error"] = err.Error()
	}
	m.recordLatency(profileID, script, ms, m.opts.Now(), meta)
	return err
}
