package aggregate

import (
	"fmt"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// Metric types computed by the aggregator. Every metric of these types is
// derived from raw rows and never rolled up from a finer window.
const (
	MetricTypeTrade    = "trade"
	MetricTypeHealth   = "health"
	MetricTypeDrawdown = "drawdown"

	// MetricTypeBreakout is shared with producers: bar_strength and
	// signal_count are producer-written, the names in breakoutDerived are
	// computed here.
	MetricTypeBreakout = "breakout"

	metricTypeEquity = "equity"
	equityMetric     = "account_equity"
)

var breakoutDerived = map[string]bool{
	"success_rate":         true,
	"avg_slippage":         true,
	"avg_profit_per_trade": true,
	"total_signals":        true,
	"avg_bar_strength":     true,
}

// derived reports whether the aggregator owns the metric.
func derived(metricType, metricName string) bool {
	switch metricType {
	case MetricTypeTrade, MetricTypeHealth, MetricTypeDrawdown:
		return true
	case MetricTypeBreakout:
		return breakoutDerived[metricName]
	default:
		return false
	}
}

// Roll-up functions applied to producer-written metrics.
const (
	RollMean = "mean"
	RollLast = "last"
	RollSum  = "sum"
)

// RollFunc returns how a producer metric is rolled into coarser windows:
// equity snapshots keep the last value, counters are summed and everything
// else is averaged.
func RollFunc(metricType, metricName string) string {
	switch {
	case metricType == metricTypeEquity:
		return RollLast
	case types.IsCounter(metricName):
		return RollSum
	default:
		return RollMean
	}
}

var hundred = decimal.NewFromInt(100)

func newRow(profileID int64, metricType, metricName string, w types.Window, v decimal.Decimal, meta types.Metadata) types.AggregatedMetric {
	return types.AggregatedMetric{
		ProfileID:   profileID,
		MetricType:  metricType,
		MetricName:  metricName,
		WindowType:  w.Type,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Value:       v.Round(types.DecimalPlaces),
		Metadata:    meta,
	}
}

func pct(part, total int) decimal.Decimal {
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(total)))
}

func mean(sum decimal.Decimal, n int) decimal.Decimal {
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// sortRows orders rows by profile, type and name so that a recompute
// produces the same sequence.
func sortRows(rows []types.AggregatedMetric) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := &rows[i], &rows[j]
		if a.ProfileID != b.ProfileID {
			return a.ProfileID < b.ProfileID
		}
		if a.MetricType != b.MetricType {
			return a.MetricType < b.MetricType
		}
		return a.MetricName < b.MetricName
	})
}

// =============================================================================
// Trades
// =============================================================================

// computeTrades derives per-profile trade and breakout metrics from trades
// closed in w.
func computeTrades(w types.Window, trades []durable.StoredTrade) []types.AggregatedMetric {
	byProfile := make(map[int64][]*types.TradeRecord)
	for i := range trades {
		t := &trades[i].TradeRecord
		byProfile[t.ProfileID] = append(byProfile[t.ProfileID], t)
	}

	var out []types.AggregatedMetric
	for profileID, ts := range byProfile {
		out = append(out, tradeMetrics(profileID, w, ts)...)
		out = append(out, breakoutMetrics(profileID, w, ts)...)
	}
	return out
}

func tradeMetrics(profileID int64, w types.Window, trades []*types.TradeRecord) []types.AggregatedMetric {
	var (
		total, wins, losses decimal.Decimal
		nWin, nLoss         int
	)
	for _, t := range trades {
		total = total.Add(t.PnL)
		switch {
		case t.PnL.IsPositive():
			wins = wins.Add(t.PnL)
			nWin++
		case t.PnL.IsNegative():
			losses = losses.Add(t.PnL)
			nLoss++
		}
	}

	n := len(trades)
	row := func(name string, v decimal.Decimal) types.AggregatedMetric {
		return newRow(profileID, MetricTypeTrade, name, w, v, nil)
	}
	out := []types.AggregatedMetric{
		row("trade_count", decimal.NewFromInt(int64(n))),
		row("total_pnl", total),
		row("avg_pnl", mean(total, n)),
		row("win_rate", pct(nWin, n)),
	}
	if nWin > 0 {
		out = append(out, row("avg_win", mean(wins, nWin)))
	}
	if nLoss > 0 {
		out = append(out, row("avg_loss", mean(losses, nLoss)))
	}
	return out
}

func breakoutMetrics(profileID int64, w types.Window, trades []*types.TradeRecord) []types.AggregatedMetric {
	var (
		n, profitable int
		pnl, slippage decimal.Decimal
		barStrengths  []float64
	)
	for _, t := range trades {
		if t.TradeType != types.TradeTypeBreakout {
			continue
		}
		n++
		if t.Profitable() {
			profitable++
		}
		pnl = pnl.Add(t.PnL)
		slippage = slippage.Add(t.Slippage)
		if bs, ok := t.BarStrength(); ok {
			barStrengths = append(barStrengths, bs)
		}
	}
	if n == 0 {
		return nil
	}

	row := func(name string, v decimal.Decimal) types.AggregatedMetric {
		return newRow(profileID, MetricTypeBreakout, name, w, v, nil)
	}
	out := []types.AggregatedMetric{
		row("total_signals", decimal.NewFromInt(int64(n))),
		row("success_rate", pct(profitable, n)),
		row("avg_slippage", mean(slippage, n)),
		row("avg_profit_per_trade", mean(pnl, n)),
	}
	if len(barStrengths) > 0 {
		out = append(out, row("avg_bar_strength", decimal.NewFromFloat(stat.Mean(barStrengths, nil))))
	}
	return out
}

// =============================================================================
// Health
// =============================================================================

type scriptMetric struct {
	script string
	metric string
}

type healthGroup struct {
	total  map[string]int
	errors map[string]int
	values map[scriptMetric][]float64
}

// computeHealth derives per-profile health metrics from snapshots in w:
// the mean of every valued script metric, the error rate of every script
// and latency percentiles.
func computeHealth(w types.Window, snapshots []durable.StoredHealth, accuracy float64) ([]types.AggregatedMetric, error) {
	groups := make(map[int64]*healthGroup)
	for i := range snapshots {
		h := &snapshots[i].HealthSnapshot
		g := groups[h.ProfileID]
		if g == nil {
			g = &healthGroup{
				total:  make(map[string]int),
				errors: make(map[string]int),
				values: make(map[scriptMetric][]float64),
			}
			groups[h.ProfileID] = g
		}
		g.total[h.ScriptName]++
		if h.Status == types.StatusError {
			g.errors[h.ScriptName]++
		}
		if h.MetricValue.Valid {
			k := scriptMetric{h.ScriptName, h.MetricName}
			g.values[k] = append(g.values[k], h.MetricValue.Decimal.InexactFloat64())
		}
	}

	var out []types.AggregatedMetric
	for profileID, g := range groups {
		row := func(name string, v float64, meta types.Metadata) types.AggregatedMetric {
			return newRow(profileID, MetricTypeHealth, name, w, decimal.NewFromFloat(v), meta)
		}

		for script, n := range g.total {
			out = append(out, newRow(profileID, MetricTypeHealth, script+".error_rate", w,
				pct(g.errors[script], n), types.Metadata{"snapshots": n}))
		}

		for k, vals := range g.values {
			name := k.script + "." + k.metric
			out = append(out, row(name, stat.Mean(vals, nil), types.Metadata{"samples": len(vals)}))

			if k.metric != types.MetricAPILatency {
				continue
			}
			if len(vals) > 1 {
				out = append(out, row(name+".stddev", stat.StdDev(vals, nil), nil))
			}
			qs, err := quantiles(vals, accuracy, 0.50, 0.95, 0.99)
			if err != nil {
				return nil, fmt.Errorf("latency percentiles %s: %w", name, err)
			}
			out = append(out,
				row(name+".p50", qs[0], nil),
				row(name+".p95", qs[1], nil),
				row(name+".p99", qs[2], nil),
			)
		}
	}
	return out, nil
}

func quantiles(vals []float64, accuracy float64, qs ...float64) ([]float64, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if err := sketch.Add(v); err != nil {
			return nil, err
		}
	}
	return sketch.GetValuesAtQuantiles(qs)
}

// =============================================================================
// Roll-ups
// =============================================================================

type metricID struct {
	profileID  int64
	metricType string
	metricName string
}

// rollUp folds producer-written rows of the next-finer window type into w.
func rollUp(w types.Window, finer []types.AggregatedMetric) []types.AggregatedMetric {
	groups := make(map[metricID][]types.AggregatedMetric)
	for _, r := range finer {
		if derived(r.MetricType, r.MetricName) || !w.Contains(r.WindowStart) {
			continue
		}
		id := metricID{r.ProfileID, r.MetricType, r.MetricName}
		groups[id] = append(groups[id], r)
	}

	out := make([]types.AggregatedMetric, 0, len(groups))
	for id, rows := range groups {
		sort.Slice(rows, func(i, j int) bool { return rows[i].WindowStart.Before(rows[j].WindowStart) })

		fn := RollFunc(id.metricType, id.metricName)
		var v decimal.Decimal
		switch fn {
		case RollLast:
			v = rows[len(rows)-1].Value
		default:
			for _, r := range rows {
				v = v.Add(r.Value)
			}
			if fn == RollMean {
				v = mean(v, len(rows))
			}
		}

		out = append(out, newRow(id.profileID, id.metricType, id.metricName, w, v, types.Metadata{
			"rollup":        fn,
			"source_window": string(rows[0].WindowType),
			"windows":       len(rows),
		}))
	}
	return out
}

// =============================================================================
// Drawdown
// =============================================================================

// computeDrawdown derives the maximum drawdown of each profile's equity
// curve in w from the finer window's account_equity rows. At least two
// points are required.
func computeDrawdown(w types.Window, finer []types.AggregatedMetric) []types.AggregatedMetric {
	curves := make(map[int64][]types.AggregatedMetric)
	for _, r := range finer {
		if r.MetricType == metricTypeEquity && r.MetricName == equityMetric && w.Contains(r.WindowStart) {
			curves[r.ProfileID] = append(curves[r.ProfileID], r)
		}
	}

	var out []types.AggregatedMetric
	for profileID, points := range curves {
		if len(points) < 2 {
			continue
		}
		sort.Slice(points, func(i, j int) bool { return points[i].WindowStart.Before(points[j].WindowStart) })

		dd := drawdown(points)
		meta := types.Metadata{
			"peak_equity":     dd.peak.String(),
			"trough_equity":   dd.trough.String(),
			"current_equity":  dd.current.String(),
			"recovery_status": dd.status(),
		}
		out = append(out,
			newRow(profileID, MetricTypeDrawdown, "max_drawdown", w, dd.amount, meta),
			newRow(profileID, MetricTypeDrawdown, "max_drawdown_pct", w, dd.pct(), meta),
		)
	}
	return out
}

type drawdownResult struct {
	peak, trough, amount decimal.Decimal
	high, current        decimal.Decimal
}

// drawdown finds the largest decline from a running peak.
func drawdown(points []types.AggregatedMetric) drawdownResult {
	var r drawdownResult
	running := points[0].Value
	r.peak, r.trough, r.high = running, running, running
	for _, p := range points[1:] {
		v := p.Value
		if v.GreaterThan(running) {
			running = v
		}
		if v.GreaterThan(r.high) {
			r.high = v
		}
		if d := running.Sub(v); d.GreaterThan(r.amount) {
			r.amount = d
			r.peak = running
			r.trough = v
		}
	}
	r.current = points[len(points)-1].Value
	return r
}

func (r drawdownResult) pct() decimal.Decimal {
	if !r.peak.IsPositive() {
		return decimal.Zero
	}
	return r.amount.Div(r.peak).Mul(hundred)
}

// status classifies the window's last equity against its high: at the
// high, within 5% of it, or below.
func (r drawdownResult) status() string {
	switch {
	case r.current.GreaterThanOrEqual(r.high):
		return "new_peak"
	case r.current.GreaterThanOrEqual(r.high.Mul(decimal.RequireFromString("0.95"))):
		return "recovered"
	default:
		return "drawdown"
	}
}
