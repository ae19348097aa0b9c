package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/errors"
)

// DecimalPlaces is the scale of every decimal column in the durable store.
const DecimalPlaces = 6

// DecimalPrecision is the total number of digits of every decimal column.
const DecimalPrecision = 18

var decimalLimit = decimal.New(1, DecimalPrecision-DecimalPlaces)

// FitsDecimal reports whether d is storable in a decimal column once
// rounded to DecimalPlaces.
func FitsDecimal(d decimal.Decimal) bool {
	return normalizeDecimal(d).Abs().LessThan(decimalLimit)
}

// Kind identifies a record family. Each kind has its own batch and its own
// flush worker.
type Kind int

const (
	KindMetric Kind = iota
	KindTrade
	KindHealth
)

// AllKinds returns every record kind in flush order.
func AllKinds() []Kind {
	return []Kind{KindMetric, KindTrade, KindHealth}
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindMetric:
		return "metric"
	case KindTrade:
		return "trade"
	case KindHealth:
		return "health"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind parses the string form of a kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.NewInvalidValue("kind", s, "must be metric, trade or health")
}

// normalizeTime converts to UTC and truncates to the store's precision.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

// normalizeDecimal rounds to the store's scale.
func normalizeDecimal(d decimal.Decimal) decimal.Decimal {
	return d.Round(DecimalPlaces)
}

// Metadata is free-form producer context stored as JSON.
type Metadata map[string]any

// Clone returns a shallow copy so batches never share a map with producers.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// Batch
// =============================================================================

// Batch is an ordered set of same-kind records awaiting persistence. Only
// the slice matching Kind is populated. Once handed to the backend a batch
// is never mutated again.
type Batch struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time

	Metrics []MetricSample
	Trades  []TradeRecord
	Health  []HealthSnapshot
}

// NewMetricBatch wraps samples in a batch with a fresh ID.
func NewMetricBatch(samples []MetricSample) *Batch {
	return &Batch{ID: uuid.NewString(), Kind: KindMetric, CreatedAt: time.Now().UTC(), Metrics: samples}
}

// NewTradeBatch wraps trades in a batch with a fresh ID.
func NewTradeBatch(trades []TradeRecord) *Batch {
	return &Batch{ID: uuid.NewString(), Kind: KindTrade, CreatedAt: time.Now().UTC(), Trades: trades}
}

// NewHealthBatch wraps snapshots in a batch with a fresh ID.
func NewHealthBatch(snapshots []HealthSnapshot) *Batch {
	return &Batch{ID: uuid.NewString(), Kind: KindHealth, CreatedAt: time.Now().UTC(), Health: snapshots}
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	switch b.Kind {
	case KindMetric:
		return len(b.Metrics)
	case KindTrade:
		return len(b.Trades)
	case KindHealth:
		return len(b.Health)
	default:
		return 0
	}
}
