package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/validation"
)

// Trade types written by the producers.
const (
	TradeTypeBreakout = "breakout"
	TradeTypeManual   = "manual"
)

// TradeRecord is one closed trade. Rows are append-only and never mutated.
type TradeRecord struct {
	ProfileID  int64
	Symbol     string
	TradeType  string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   int64
	PnL        decimal.Decimal
	PnLPct     decimal.Decimal
	Slippage   decimal.Decimal
	EntryTime  time.Time
	ExitTime   time.Time
	Duration   time.Duration
	Direction  string
	ExitReason string
	Metadata   Metadata
}

// Outcome describes a finished trade from the producer's point of view.
type Outcome struct {
	ProfileID  int64
	Symbol     string
	TradeType  string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   int64
	EntryTime  time.Time
	ExitTime   time.Time
	Direction  string
	ExitReason string
	// BarStrength is the breakout bar strength; nil when not applicable.
	BarStrength *float64
	Metadata    Metadata
}

var hundred = decimal.NewFromInt(100)

// NewTradeFromOutcome derives pnl, pnl_pct, slippage and duration.
//
//	pnl      = (exit - entry) * qty
//	pnl_pct  = pnl / (entry * qty) * 100
//	slippage = |exit - entry| / entry
func NewTradeFromOutcome(o Outcome) TradeRecord {
	qty := decimal.NewFromInt(o.Quantity)
	pnl := o.ExitPrice.Sub(o.EntryPrice).Mul(qty)

	pnlPct := decimal.Zero
	if cost := o.EntryPrice.Mul(qty); !cost.IsZero() {
		pnlPct = pnl.Div(cost).Mul(hundred)
	}
	slippage := decimal.Zero
	if !o.EntryPrice.IsZero() {
		slippage = o.ExitPrice.Sub(o.EntryPrice).Abs().Div(o.EntryPrice)
	}

	meta := o.Metadata.Clone()
	if o.BarStrength != nil {
		if meta == nil {
			meta = Metadata{}
		}
		meta["bar_strength"] = *o.BarStrength
	}
	exitReason := o.ExitReason
	if exitReason == "" {
		if r, ok := meta["exit_reason"].(string); ok {
			exitReason = r
		}
	}
	tradeType := o.TradeType
	if tradeType == "" {
		tradeType = TradeTypeBreakout
	}

	t := TradeRecord{
		ProfileID:  o.ProfileID,
		Symbol:     o.Symbol,
		TradeType:  tradeType,
		EntryPrice: o.EntryPrice,
		ExitPrice:  o.ExitPrice,
		Quantity:   o.Quantity,
		PnL:        pnl,
		PnLPct:     pnlPct,
		Slippage:   slippage,
		EntryTime:  o.EntryTime,
		ExitTime:   o.ExitTime,
		Direction:  o.Direction,
		ExitReason: exitReason,
		Metadata:   meta,
	}
	t.Normalize()
	return t
}

// Key returns the logical cache key of the trade.
func (t *TradeRecord) Key() string {
	return TradeKey(t.Symbol)
}

// Profitable reports whether the trade closed with positive pnl.
func (t *TradeRecord) Profitable() bool {
	return t.PnL.IsPositive()
}

// BarStrength returns the bar strength carried in metadata, if any.
func (t *TradeRecord) BarStrength() (float64, bool) {
	switch v := t.Metadata["bar_strength"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Normalize converts times to UTC, rounds decimals to the store's scale and
// derives Duration from the entry and exit times when it is unset. Duration
// is stored in whole seconds.
func (t *TradeRecord) Normalize() {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	t.TradeType = strings.TrimSpace(t.TradeType)
	t.EntryTime = normalizeTime(t.EntryTime)
	t.ExitTime = normalizeTime(t.ExitTime)
	if t.Duration == 0 && !t.EntryTime.IsZero() && !t.ExitTime.IsZero() {
		t.Duration = t.ExitTime.Sub(t.EntryTime)
	}
	t.Duration = t.Duration.Truncate(time.Second)
	t.EntryPrice = normalizeDecimal(t.EntryPrice)
	t.ExitPrice = normalizeDecimal(t.ExitPrice)
	t.PnL = normalizeDecimal(t.PnL)
	t.PnLPct = normalizeDecimal(t.PnLPct)
	t.Slippage = normalizeDecimal(t.Slippage)
}

// Validate checks the minimal shape of the trade.
func (t *TradeRecord) Validate() error {
	v := errors.NewValidationErrors()
	if t.ProfileID <= 0 {
		v.Add(errors.NewInvalidProfile(t.ProfileID))
	}
	checkName(v, "symbol", t.Symbol, validation.SymbolRules())
	if t.TradeType == "" {
		v.AddMissing("trade_type")
	}
	if t.Quantity <= 0 {
		v.AddInvalid("quantity", t.Quantity, "must be positive")
	}
	if t.EntryPrice.IsNegative() {
		v.AddInvalid("entry_price", t.EntryPrice, "must not be negative")
	}
	if t.ExitPrice.IsNegative() {
		v.AddInvalid("exit_price", t.ExitPrice, "must not be negative")
	}
	checkDecimal(v, "entry_price", t.EntryPrice)
	checkDecimal(v, "exit_price", t.ExitPrice)
	checkDecimal(v, "pnl", t.PnL)
	checkDecimal(v, "pnl_pct", t.PnLPct)
	checkDecimal(v, "slippage", t.Slippage)
	if t.EntryTime.IsZero() {
		v.AddMissing("entry_time")
	}
	if t.ExitTime.IsZero() {
		v.AddMissing("exit_time")
	}
	if !t.EntryTime.IsZero() && !t.ExitTime.IsZero() && t.ExitTime.Before(t.EntryTime) {
		v.AddInvalid("exit_time", t.ExitTime, "before entry_time")
	}
	if t.Duration < 0 {
		v.AddInvalid("duration", t.Duration, "must not be negative")
	}
	return v.Err()
}
