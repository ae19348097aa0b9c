// Package monitor reports the telemetry core's own health.
//
// On every interval each registered probe is sampled. Its values are
// enqueued as health snapshots named "<probe>.<value>", and the growth of
// its error counter since the previous interval decides its status: none is
// healthy, fewer than the threshold is degraded, otherwise error. One
// valueless "status" snapshot carries the worst status across probes.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/logging"
	telconfig "github.com/deltadyno/telemetry/internal/telemetry/config"
	"github.com/deltadyno/telemetry/internal/telemetry/types"

	defaults "github.com/deltadyno/telemetry/config"
)

var log = logging.Component("monitor")

// Recorder accepts health snapshots. *ingestion.Manager satisfies it.
type Recorder interface {
	EnqueueHealth(types.HealthSnapshot)
}

// Options configures the monitor.
type Options struct {
	Interval       time.Duration
	ProfileID      int64
	ScriptName     string
	ErrorThreshold uint64
	Now            func() time.Time
}

// DefaultOptions returns options with compiled defaults.
func DefaultOptions() Options {
	return Options{
		Interval:       defaults.DefaultMonitorInterval,
		ProfileID:      1,
		ScriptName:     defaults.DefaultMonitorScriptName,
		ErrorThreshold: defaults.DefaultMonitorErrorThreshold,
		Now:            time.Now,
	}
}

// OptionsFromConfig maps the monitor section of cfg.
func OptionsFromConfig(cfg *telconfig.Config) Options {
	o := DefaultOptions()
	m := cfg.Monitor
	if m.Interval > 0 {
		o.Interval = m.Interval
	}
	if m.ProfileID > 0 {
		o.ProfileID = m.ProfileID
	}
	if m.ScriptName != "" {
		o.ScriptName = m.ScriptName
	}
	if m.ErrorThreshold > 0 {
		o.ErrorThreshold = m.ErrorThreshold
	}
	return o
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.ProfileID <= 0 {
		o.ProfileID = d.ProfileID
	}
	if o.ScriptName == "" {
		o.ScriptName = d.ScriptName
	}
	if o.ErrorThreshold == 0 {
		o.ErrorThreshold = d.ErrorThreshold
	}
	if o.Now == nil {
		o.Now = d.Now
	}
}

type namedProbe struct {
	name  string
	probe Probe
}

// Monitor samples probes and records them as health snapshots.
type Monitor struct {
	rec  Recorder
	opts Options

	mu       sync.Mutex
	probes   []namedProbe
	errors   *tracker
	status   types.HealthStatus
	onChange func(old, new types.HealthStatus)

	reports atomic.Int64
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor that records into rec.
func New(rec Recorder, opts Options) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		rec:    rec,
		opts:   opts,
		errors: newTracker(),
		status: types.StatusHealthy,
	}
}

// Register adds a probe under name. Names must be unique.
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, namedProbe{name: name, probe: p})
}

// SetOnStatusChange sets the callback for overall status changes. fn runs
// inside Report and must not call back into the monitor.
func (m *Monitor) SetOnStatusChange(fn func(old, new types.HealthStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Status returns the overall status of the last report.
func (m *Monitor) Status() types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Reports returns the number of completed reports.
func (m *Monitor) Reports() int64 {
	return m.reports.Load()
}

// Start begins periodic reporting.
func (m *Monitor) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.worker(ctx)

	m.mu.Lock()
	n := len(m.probes)
	m.mu.Unlock()
	log.Info("monitor started", "interval", m.opts.Interval, "probes", n)
	return nil
}

// Stop stops reporting and waits for an in-progress report to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop monitor: %w", ctx.Err())
	}
}

func (m *Monitor) worker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report()
		}
	}
}

// Report samples every probe once, enqueues the snapshots and returns the
// overall status.
func (m *Monitor) Report() types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.opts.Now().UTC()
	overall := types.StatusHealthy
	perProbe := make(types.Metadata, len(m.probes))

	for _, np := range m.probes {
		r, ok := m.sample(np)
		delta := uint64(1)
		if ok {
			delta = m.errors.delta(np.name, r.Errors)
		}
		status := statusFor(delta, m.opts.ErrorThreshold)
		overall = worst(overall, status)
		perProbe[np.name] = string(status)

		names := make([]string, 0, len(r.Values))
		for k, v := range r.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			names = append(names, k)
		}
		sort.Strings(names)

		for _, k := range names {
			m.rec.EnqueueHealth(types.HealthSnapshot{
				ProfileID:   m.opts.ProfileID,
				ScriptName:  m.opts.ScriptName,
				MetricName:  np.name + "." + k,
				MetricValue: decimal.NewNullDecimal(decimal.NewFromFloat(r.Values[k])),
				Status:      status,
				Timestamp:   at,
			})
		}
		if delta > 0 {
			m.rec.EnqueueHealth(types.HealthSnapshot{
				ProfileID:   m.opts.ProfileID,
				ScriptName:  m.opts.ScriptName,
				MetricName:  np.name + ".errors",
				MetricValue: decimal.NewNullDecimal(decimal.NewFromInt(int64(delta))),
				Status:      status,
				Timestamp:   at,
			})
		}
	}

	m.rec.EnqueueHealth(types.HealthSnapshot{
		ProfileID:  m.opts.ProfileID,
		ScriptName: m.opts.ScriptName,
		MetricName: types.MetricStatus,
		Status:     overall,
		Timestamp:  at,
		Metadata:   perProbe,
	})

	if overall != m.status {
		old := m.status
		m.status = overall
		log.Info("status changed", "from", old, "to", overall)
		if m.onChange != nil {
			m.onChange(old, overall)
		}
	}
	m.reports.Add(1)
	return overall
}

// sample runs one probe. A panicking probe reports no values and counts as
// one error.
func (m *Monitor) sample(np namedProbe) (r Reading, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("probe panicked", "probe", np.name, "panic", p)
			r, ok = Reading{}, false
		}
	}()
	return np.probe(), true
}
