package types

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/validation"
)

// MetricSample is a single in-memory observation. It is never persisted
// as-is: the backend upserts it into an AggregatedMetric window and mirrors
// it to the hot cache.
type MetricSample struct {
	ProfileID  int64
	MetricType string
	MetricName string
	Value      float64
	// WindowType is optional. Samples without one land in their hour window.
	WindowType WindowType
	Timestamp  time.Time
	Metadata   Metadata
}

// IsCounter reports whether a metric name counts events. Counter samples
// add to their window instead of replacing it.
func IsCounter(metricName string) bool {
	return strings.HasSuffix(metricName, "_count")
}

// Key returns the logical cache key of the sample.
func (m *MetricSample) Key() string {
	return MetricKey(m.MetricType, m.MetricName)
}

// Logical key prefixes of non-metric records. '@' cannot appear in a metric
// type, so these never collide with a metric key.
const (
	healthKeyPrefix = "@health:"
	tradeKeyPrefix  = "@trade:"
)

// MetricKey joins a metric type and name into a logical key.
func MetricKey(metricType, metricName string) string {
	return metricType + ":" + metricName
}

// HealthKey is the logical key of the latest snapshot of a script metric.
func HealthKey(script, metric string) string {
	return healthKeyPrefix + script + ":" + metric
}

// TradeKey is the logical key of the latest trade of a symbol.
func TradeKey(symbol string) string {
	return tradeKeyPrefix + symbol
}

// KeyRef is a parsed logical key.
type KeyRef struct {
	Kind Kind
	// A is the metric type, script name or symbol.
	A string
	// B is the metric name; empty for trades.
	B string
}

// ParseKey splits a logical key produced by MetricKey, HealthKey or
// TradeKey.
func ParseKey(key string) (KeyRef, error) {
	switch {
	case strings.HasPrefix(key, tradeKeyPrefix):
		sym := strings.TrimPrefix(key, tradeKeyPrefix)
		if sym == "" {
			return KeyRef{}, errors.NewInvalidValue("key", key, "missing symbol")
		}
		return KeyRef{Kind: KindTrade, A: sym}, nil
	case strings.HasPrefix(key, healthKeyPrefix):
		a, b, ok := strings.Cut(strings.TrimPrefix(key, healthKeyPrefix), ":")
		if !ok || a == "" || b == "" {
			return KeyRef{}, errors.NewInvalidValue("key", key, "want health:<script>:<metric>")
		}
		return KeyRef{Kind: KindHealth, A: a, B: b}, nil
	default:
		a, b, ok := strings.Cut(key, ":")
		if !ok || a == "" || b == "" {
			return KeyRef{}, errors.NewInvalidValue("key", key, "want <metric_type>:<metric_name>")
		}
		return KeyRef{Kind: KindMetric, A: a, B: b}, nil
	}
}

// Normalize fills a zero timestamp with now and converts times to UTC.
func (m *MetricSample) Normalize(now time.Time) {
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.Timestamp = normalizeTime(m.Timestamp)
	m.MetricType = strings.TrimSpace(m.MetricType)
	m.MetricName = strings.TrimSpace(m.MetricName)
}

// Validate checks the minimal shape of the sample.
func (m *MetricSample) Validate() error {
	v := errors.NewValidationErrors()
	if m.ProfileID <= 0 {
		v.Add(errors.NewInvalidProfile(m.ProfileID))
	}
	checkName(v, "metric_type", m.MetricType, validation.MetricTypeRules())
	checkName(v, "metric_name", m.MetricName, validation.MetricNameRules())
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		v.AddInvalid("value", m.Value, "must be finite")
	} else {
		checkDecimal(v, "value", decimal.NewFromFloat(m.Value))
	}
	if m.WindowType != "" && !m.WindowType.Valid() {
		v.Add(errors.Wrapf(errors.ErrInvalidWindow, "window_type %q", m.WindowType))
	}
	if m.Timestamp.IsZero() {
		v.AddMissing("timestamp")
	}
	return v.Err()
}

// Window returns the aggregation window the sample belongs to.
func (m *MetricSample) Window() Window {
	wt := m.WindowType
	if wt == "" {
		wt = WindowHour
	}
	return WindowAt(wt, m.Timestamp)
}

// ToAggregate converts the sample into the windowed row it upserts.
func (m *MetricSample) ToAggregate() AggregatedMetric {
	w := m.Window()
	return AggregatedMetric{
		ProfileID:   m.ProfileID,
		MetricType:  m.MetricType,
		MetricName:  m.MetricName,
		WindowType:  w.Type,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Value:       normalizeDecimal(decimal.NewFromFloat(m.Value)),
		Metadata:    m.Metadata.Clone(),
	}
}

// =============================================================================
// AggregatedMetric
// =============================================================================

// AggregateKey is the unique identity of an aggregated row.
type AggregateKey struct {
	ProfileID   int64
	MetricType  string
	MetricName  string
	WindowType  WindowType
	WindowStart time.Time
}

// AggregatedMetric is a durable windowed value. Writes to the same key are
// last-write-wins upserts.
type AggregatedMetric struct {
	ProfileID   int64
	MetricType  string
	MetricName  string
	WindowType  WindowType
	WindowStart time.Time
	WindowEnd   time.Time
	Value       decimal.Decimal
	Metadata    Metadata
}

// NewAggregatedMetric builds a row for the window of type wt containing ts.
func NewAggregatedMetric(profileID int64, metricType, metricName string, wt WindowType, ts time.Time, value decimal.Decimal) AggregatedMetric {
	w := WindowAt(wt, ts)
	return AggregatedMetric{
		ProfileID:   profileID,
		MetricType:  metricType,
		MetricName:  metricName,
		WindowType:  wt,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Value:       normalizeDecimal(value),
	}
}

// Key returns the unique tuple of the row.
func (a *AggregatedMetric) Key() AggregateKey {
	return AggregateKey{
		ProfileID:   a.ProfileID,
		MetricType:  a.MetricType,
		MetricName:  a.MetricName,
		WindowType:  a.WindowType,
		WindowStart: a.WindowStart,
	}
}

// LogicalKey returns the metric_type:metric_name cache key.
func (a *AggregatedMetric) LogicalKey() string {
	return MetricKey(a.MetricType, a.MetricName)
}

// Normalize aligns the window and rounds the value. WindowEnd is always
// recomputed from WindowStart.
func (a *AggregatedMetric) Normalize() {
	if a.WindowType.Valid() {
		a.WindowStart = a.WindowType.Align(a.WindowStart)
		a.WindowEnd = a.WindowType.End(a.WindowStart)
	}
	a.Value = normalizeDecimal(a.Value)
}

// Validate checks the minimal shape of the row.
func (a *AggregatedMetric) Validate() error {
	v := errors.NewValidationErrors()
	if a.ProfileID <= 0 {
		v.Add(errors.NewInvalidProfile(a.ProfileID))
	}
	checkName(v, "metric_type", a.MetricType, validation.MetricTypeRules())
	checkName(v, "metric_name", a.MetricName, validation.MetricNameRules())
	checkDecimal(v, "value", a.Value)
	if !a.WindowType.Valid() {
		v.Add(errors.Wrapf(errors.ErrInvalidWindow, "window_type %q", a.WindowType))
	}
	if a.WindowStart.IsZero() {
		v.AddMissing("window_start")
	}
	return v.Err()
}

// checkName records a missing or malformed identifier.
func checkName(v *errors.ValidationErrors, field, name string, rules validation.NameRules) {
	if name == "" {
		v.AddMissing(field)
		return
	}
	if err := validation.ValidateName(name, rules); err != nil {
		v.AddInvalid(field, name, err.Error())
	}
}

// checkDecimal records a value too large for the store's decimal columns.
func checkDecimal(v *errors.ValidationErrors, field string, d decimal.Decimal) {
	if !FitsDecimal(d) {
		v.AddInvalid(field, d.String(), "out of range for DECIMAL(18,6)")
	}
}
