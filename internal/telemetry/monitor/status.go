package monitor

import (
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// statusFor maps the errors a component reported during one interval to a
// health status.
func statusFor(delta, threshold uint64) types.HealthStatus {
	switch {
	case delta == 0:
		return types.StatusHealthy
	case delta < threshold:
		return types.StatusDegraded
	default:
		return types.StatusError
	}
}

func rank(s types.HealthStatus) int {
	switch s {
	case types.StatusError:
		return 2
	case types.StatusDegraded:
		return 1
	default:
		return 0
	}
}

// worst returns the more severe of a and b.
func worst(a, b types.HealthStatus) types.HealthStatus {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// tracker keeps the last cumulative error count per component.
//
// Counters are cumulative; a reading lower than the previous one means the
// component was recreated and the new value is taken as the delta.
type tracker struct {
	last map[string]uint64
}

func newTracker() *tracker {
	return &tracker{last: make(map[string]uint64)}
}

func (t *tracker) delta(name string, total uint64) uint64 {
	prev, ok := t.last[name]
	t.last[name] = total
	if !ok || total < prev {
		return total
	}
	return total - prev
}
