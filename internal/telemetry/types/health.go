package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/validation"
)

// HealthStatus is the coarse state of a script.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusError    HealthStatus = "error"
)

// Valid reports whether s is a known status.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusError:
		return true
	default:
		return false
	}
}

// ParseHealthStatus parses a status string.
func ParseHealthStatus(s string) (HealthStatus, error) {
	st := HealthStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", errors.NewInvalidValue("status", s, "must be healthy, degraded or error")
	}
	return st, nil
}

// Well-known health metric names.
const (
	MetricAPILatency = "api_latency_ms"
	MetricStatus     = "status"
)

// HealthSnapshot is one append-only health observation.
type HealthSnapshot struct {
	ProfileID   int64
	ScriptName  string
	MetricName  string
	MetricValue decimal.NullDecimal
	Status      HealthStatus
	Timestamp   time.Time
	Metadata    Metadata
}

// NewHealthSnapshot builds a snapshot with a value.
func NewHealthSnapshot(profileID int64, script, metric string, value decimal.Decimal, status HealthStatus) HealthSnapshot {
	return HealthSnapshot{
		ProfileID:   profileID,
		ScriptName:  script,
		MetricName:  metric,
		MetricValue: decimal.NewNullDecimal(value),
		Status:      status,
	}
}

// Key returns the logical cache key of the snapshot.
func (h *HealthSnapshot) Key() string {
	return HealthKey(h.ScriptName, h.MetricName)
}

// Normalize fills a zero timestamp with now, converts to UTC and rounds the
// value to the store's scale.
func (h *HealthSnapshot) Normalize(now time.Time) {
	if h.Timestamp.IsZero() {
		h.Timestamp = now
	}
	h.Timestamp = normalizeTime(h.Timestamp)
	h.ScriptName = strings.TrimSpace(h.ScriptName)
	h.MetricName = strings.TrimSpace(h.MetricName)
	if h.Status == "" {
		h.Status = StatusHealthy
	}
	if h.MetricValue.Valid {
		h.MetricValue.Decimal = normalizeDecimal(h.MetricValue.Decimal)
	}
}

// Validate checks the minimal shape of the snapshot.
func (h *HealthSnapshot) Validate() error {
	v := errors.NewValidationErrors()
	if h.ProfileID <= 0 {
		v.Add(errors.NewInvalidProfile(h.ProfileID))
	}
	checkName(v, "script_name", h.ScriptName, validation.ScriptNameRules())
	checkName(v, "metric_name", h.MetricName, validation.MetricNameRules())
	if !h.Status.Valid() {
		v.AddInvalid("status", h.Status, "must be healthy, degraded or error")
	}
	if h.MetricValue.Valid {
		checkDecimal(v, "metric_value", h.MetricValue.Decimal)
	}
	if h.Timestamp.IsZero() {
		v.AddMissing("timestamp")
	}
	return v.Err()
}
