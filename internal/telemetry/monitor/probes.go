package monitor

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/deltadyno/telemetry/internal/telemetry/aggregate"
	"github.com/deltadyno/telemetry/internal/telemetry/backend"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/ingestion"
)

// Reading is one sample taken from a component.
type Reading struct {
	// Values are gauges and counters reported as health metrics, keyed by
	// metric suffix.
	Values map[string]float64

	// Errors is the component's cumulative error count.
	Errors uint64
}

// Probe samples one component.
type Probe func() Reading

// The interfaces below are satisfied by the concrete components. They keep
// the probes testable without a database.

type ingestionStats interface{ Stats() ingestion.Stats }
type backendStats interface{ Stats() backend.Stats }
type durableStats interface{ Stats() durable.Stats }
type cacheStats interface{ Stats() cache.Stats }
type aggregatorStats interface{ Stats() aggregate.Stats }

// IngestionProbe reports buffer depth and flush outcomes. Flush errors and
// dropped batches count as errors; rejected records do not.
func IngestionProbe(m ingestionStats) Probe {
	return func() Reading {
		s := m.Stats()
		queued := 0
		for _, n := range s.Queued {
			queued += n
		}
		return Reading{
			Values: map[string]float64{
				"pending":           float64(s.PendingTotal()),
				"queued_batches":    float64(queued),
				"records_flushed":   float64(s.RecordsFlushed),
				"records_dropped":   float64(s.RecordsDropped),
				"late_records":      float64(s.LateRecords),
				"validation_errors": float64(s.ValidationErrors),
				"retries":           float64(s.Retries),
			},
			Errors: s.FlushErrors + s.BatchesDropped,
		}
	}
}

// BackendProbe reports hybrid backend writes.
func BackendProbe(b backendStats) Probe {
	return func() Reading {
		s := b.Stats()
		return Reading{
			Values: map[string]float64{
				"batches":   float64(s.Batches),
				"rows":      float64(s.Rows),
				"fallbacks": float64(s.Fallbacks),
				"loads":     float64(s.Loads),
			},
			Errors: s.Failures + s.CacheFailures,
		}
	}
}

// DurableProbe reports the durable store and its pool. Pool timeouts count
// as errors.
func DurableProbe(d durableStats) Probe {
	return func() Reading {
		s := d.Stats()
		return Reading{
			Values: map[string]float64{
				"pool_in_use":    float64(s.Pool.InUse),
				"pool_peak":      float64(s.Pool.Peak),
				"rows_written":   float64(s.RowsWritten),
				"fallback_conns": float64(s.FallbackConns),
			},
			Errors: s.Errors + s.Pool.Timeouts,
		}
	}
}

// CacheProbe reports the hot cache and its pool.
func CacheProbe(c cacheStats) Probe {
	return func() Reading {
		s := c.Stats()
		values := map[string]float64{
			"pool_in_use": float64(s.Pool.InUse),
			"hits":        float64(s.Hits),
			"misses":      float64(s.Misses),
		}
		if total := s.Hits + s.Misses; total > 0 {
			values["hit_rate"] = float64(s.Hits) / float64(total) * 100
		}
		return Reading{Values: values, Errors: s.Errors + s.Pool.Timeouts}
	}
}

// AggregatorProbe reports aggregation and retention progress.
func AggregatorProbe(a aggregatorStats, now func() time.Time) Probe {
	return func() Reading {
		s := a.Stats()
		values := map[string]float64{
			"windows_aggregated": float64(s.WindowsAggregated),
			"rows_written":       float64(s.RowsWritten),
			"raw_rows_deleted":   float64(s.TradesDeleted + s.HealthDeleted),
			"files_archived":     float64(s.FilesArchived),
		}
		if !s.LastRun.IsZero() {
			values["since_last_run_s"] = now().Sub(s.LastRun).Seconds()
		}
		return Reading{Values: values, Errors: uint64(s.Failures)}
	}
}

// ProcessProbe reports CPU and memory of the current process and host.
// Readings that cannot be taken on this platform are left out.
func ProcessProbe() Probe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("process stats unavailable", "error", err)
	}

	return func() Reading {
		values := map[string]float64{
			"goroutines": float64(runtime.NumGoroutine()),
		}

		if proc != nil {
			if pct, err := proc.Percent(0); err == nil {
				values["cpu_percent"] = pct
			}
			if mi, err := proc.MemoryInfo(); err == nil {
				values["rss_mb"] = float64(mi.RSS) / (1024 * 1024)
			}
		}

		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			values["host_cpu_percent"] = pcts[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			values["host_mem_percent"] = vm.UsedPercent
		}

		return Reading{Values: values}
	}
}
