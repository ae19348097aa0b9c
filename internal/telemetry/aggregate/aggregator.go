// Package aggregate computes windowed aggregates from raw telemetry rows
// and enforces retention.
//
// The aggregator runs on its own cron schedule. Each run walks the closed
// windows of every configured window type past that type's stored
// watermark, from finest to coarsest, and upserts one AggregatedMetric per
// (profile, metric) and window. A window is only aggregated once closed,
// and a coarse window waits until the finer window type it rolls up from
// has been aggregated past its end.
//
// Recomputing a window over unchanged source rows writes the same rows
// with the same values.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/deltadyno/telemetry/config"
	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/archive"
	telconfig "github.com/deltadyno/telemetry/internal/telemetry/config"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

var log = logging.Component("aggregate")

// Options configures an Aggregator.
type Options struct {
	// Windows lists the window types to compute.
	Windows []types.WindowType

	// CatchUpWindows limits closed windows per type per run.
	CatchUpWindows int

	// PercentileAccuracy is the relative accuracy of latency percentiles.
	PercentileAccuracy float64

	// Schedule is the cron spec of the aggregation job. Empty disables it.
	Schedule string

	// RetentionSchedule is the cron spec of the retention job. Empty
	// disables it.
	RetentionSchedule string

	RawHorizon       time.Duration
	AggregateHorizon time.Duration

	// RetentionBatch is the number of raw rows archived and deleted per
	// statement.
	RetentionBatch int

	// Archiver receives expired raw rows before deletion. Nil deletes
	// without archiving.
	Archiver *archive.Archiver

	// RunTimeout bounds one scheduled run.
	RunTimeout time.Duration

	// ReadParallelism bounds concurrent source reads per window.
	ReadParallelism int

	Now func() time.Time
}

// DefaultOptions returns Options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		Windows:            types.AllWindowTypes(),
		CatchUpWindows:     config.DefaultCatchUpWindows,
		PercentileAccuracy: 0.01,
		Schedule:           config.DefaultAggregationSchedule,
		RetentionSchedule:  config.DefaultRetentionSchedule,
		RawHorizon:         config.DefaultRawHorizon,
		AggregateHorizon:   config.DefaultAggregateHorizon,
		RetentionBatch:     5000,
		RunTimeout:         10 * time.Minute,
		ReadParallelism:    3,
	}
}

// OptionsFromConfig maps the loaded configuration to aggregator options.
func OptionsFromConfig(cfg *telconfig.Config) (Options, error) {
	opts := DefaultOptions()
	opts.Windows = cfg.Aggregation.WindowTypes()
	opts.CatchUpWindows = cfg.Aggregation.CatchUpWindows
	opts.PercentileAccuracy = cfg.Aggregation.PercentileAccuracy
	opts.Schedule = ""
	if cfg.Aggregation.Enabled {
		opts.Schedule = cfg.Aggregation.Schedule
	}
	opts.RetentionSchedule = ""
	if cfg.Retention.Enabled {
		opts.RetentionSchedule = cfg.Retention.Schedule
	}
	opts.RawHorizon = cfg.Retention.RawHorizon
	opts.AggregateHorizon = cfg.Retention.AggregateHorizon

	if cfg.Retention.ArchiveDir != "" {
		ct, err := archive.ParseCompressionType(cfg.Retention.Compression)
		if err != nil {
			return Options{}, err
		}
		ao := archive.DefaultOptions()
		ao.Compression = ct
		opts.Archiver = archive.NewArchiver(cfg.Retention.ArchiveDir, ao)
	}
	return opts, nil
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Windows == nil {
		o.Windows = def.Windows
	}
	// Finest first so that roll-up sources are computed before their
	// targets within a run.
	o.Windows = slices.Clone(o.Windows)
	slices.SortFunc(o.Windows, func(a, b types.WindowType) int {
		return slices.Index(types.AllWindowTypes(), a) - slices.Index(types.AllWindowTypes(), b)
	})
	o.Windows = slices.Compact(o.Windows)
	if o.CatchUpWindows <= 0 {
		o.CatchUpWindows = def.CatchUpWindows
	}
	if o.PercentileAccuracy <= 0 || o.PercentileAccuracy >= 1 {
		o.PercentileAccuracy = def.PercentileAccuracy
	}
	if o.RetentionBatch <= 0 {
		o.RetentionBatch = def.RetentionBatch
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = def.RunTimeout
	}
	if o.ReadParallelism <= 0 {
		o.ReadParallelism = def.ReadParallelism
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats holds aggregator statistics.
type Stats struct {
	Runs              int64
	WindowsAggregated int64
	RowsWritten       int64
	Failures          int64
	LastRun           time.Time

	RetentionRuns     int64
	TradesDeleted     int64
	HealthDeleted     int64
	AggregatesDeleted int64
	FilesArchived     int64
}

// RunResult summarizes one aggregation run.
type RunResult struct {
	Windows int
	Rows    int
}

// Aggregator computes windowed aggregates on a schedule.
type Aggregator struct {
	store *durable.Store
	opts  Options

	// runMu serializes aggregation runs and retention.
	runMu sync.Mutex

	wmMu       sync.RWMutex
	watermarks map[types.WindowType]time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	runs              atomic.Int64
	windows           atomic.Int64
	rows              atomic.Int64
	failures          atomic.Int64
	lastRun           atomic.Int64
	retentionRuns     atomic.Int64
	tradesDeleted     atomic.Int64
	healthDeleted     atomic.Int64
	aggregatesDeleted atomic.Int64
	filesArchived     atomic.Int64
}

// New creates an aggregator. Nothing runs until Start.
func New(store *durable.Store, opts Options) *Aggregator {
	opts.applyDefaults()
	return &Aggregator{
		store:      store,
		opts:       opts,
		watermarks: make(map[types.WindowType]time.Time),
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

// Start loads the stored watermarks and registers the scheduled jobs.
// Overlapping runs of the same job are skipped.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.LoadWatermarks(ctx); err != nil {
		return err
	}

	logger := cronLogger{l: log}
	a.cron = cron.New(
		cron.WithParser(telconfig.CronParser()),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.opts.Schedule != "" {
		if _, err := a.cron.AddFunc(a.opts.Schedule, a.aggregationJob); err != nil {
			return fmt.Errorf("register aggregation job %q: %w", a.opts.Schedule, err)
		}
	}
	if a.opts.RetentionSchedule != "" {
		if _, err := a.cron.AddFunc(a.opts.RetentionSchedule, a.retentionJob); err != nil {
			return fmt.Errorf("register retention job %q: %w", a.opts.RetentionSchedule, err)
		}
	}

	a.cron.Start()
	log.Info("aggregator started",
		"schedule", a.opts.Schedule,
		"retention_schedule", a.opts.RetentionSchedule,
		"windows", a.opts.Windows)
	return nil
}

// Stop stops scheduling and waits for running jobs. When ctx expires
// first, running jobs are cancelled and ctx's error is returned.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cron == nil {
		return nil
	}
	done := a.cron.Stop()
	defer a.cancel()

	select {
	case <-done.Done():
		log.Info("aggregator stopped")
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done.Done()
		return fmt.Errorf("aggregator stop: %w", ctx.Err())
	}
}

func (a *Aggregator) aggregationJob() {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.RunTimeout)
	defer cancel()

	res, err := a.RunOnce(ctx, a.opts.Now())
	if err != nil {
		log.Error("aggregation run failed", "error", err, "windows", res.Windows)
		return
	}
	if res.Windows > 0 {
		log.Info("aggregation run", "windows", res.Windows, "rows", res.Rows)
	}
}

func (a *Aggregator) retentionJob() {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.RunTimeout)
	defer cancel()

	if _, err := a.RunRetention(ctx, a.opts.Now()); err != nil {
		log.Error("retention run failed", "error", err)
	}
}

// =============================================================================
// Watermarks
// =============================================================================

// LoadWatermarks refreshes the in-memory watermarks from the store.
func (a *Aggregator) LoadWatermarks(ctx context.Context) error {
	wms, err := a.store.Watermarks(ctx)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	a.wmMu.Lock()
	for wt, w := range wms {
		a.watermarks[wt] = w
	}
	a.wmMu.Unlock()
	return nil
}

func (a *Aggregator) watermark(wt types.WindowType) (time.Time, bool) {
	a.wmMu.RLock()
	defer a.wmMu.RUnlock()
	w, ok := a.watermarks[wt]
	return w, ok
}

func (a *Aggregator) setWatermark(wt types.WindowType, w time.Time) {
	a.wmMu.Lock()
	a.watermarks[wt] = w
	a.wmMu.Unlock()
}

// IsLate reports whether ts falls into a window of the finest configured
// type that was already aggregated. It only consults memory and is safe
// to call from producer paths.
func (a *Aggregator) IsLate(ts time.Time) bool {
	if len(a.opts.Windows) == 0 {
		return false
	}
	w, ok := a.watermark(a.opts.Windows[0])
	return ok && ts.Before(w)
}

func (a *Aggregator) configured(wt types.WindowType) bool {
	return slices.Contains(a.opts.Windows, wt)
}

// =============================================================================
// Runs
// =============================================================================

// RunOnce aggregates every closed window past each type's watermark, up
// to CatchUpWindows per type. A type that was never aggregated starts with
// its last closed window. A failed window stops its type for this run
// without advancing the watermark; other types continue.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) (RunResult, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	now = now.UTC()
	a.runs.Add(1)
	a.lastRun.Store(now.UnixNano())

	var (
		res  RunResult
		errs []error
	)
	for _, wt := range a.opts.Windows {
		n, rows, err := a.runType(ctx, wt, now)
		res.Windows += n
		res.Rows += rows
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return res, errors.Join(errs...)
}

func (a *Aggregator) runType(ctx context.Context, wt types.WindowType, now time.Time) (windows, rows int, err error) {
	// Windows ending after limit are not aggregated this run.
	limit := types.LastClosed(wt, now).End

	if finer, ok := wt.Finer(); ok && a.configured(finer) {
		fw, ok := a.watermark(finer)
		if !ok {
			log.Debug("waiting for finer windows", "window_type", wt, "finer", finer)
			return 0, 0, nil
		}
		if fw.Before(limit) {
			limit = fw
		}
	}

	wm, ok, err := a.store.Watermark(ctx, wt)
	if err != nil {
		return 0, 0, err
	}

	var next types.Window
	if ok {
		a.setWatermark(wt, wm)
		next = types.WindowAt(wt, wm)
	} else {
		next = types.LastClosed(wt, now)
	}

	for i := 0; i < a.opts.CatchUpWindows && !next.End.After(limit); i++ {
		n, err := a.aggregate(ctx, next, now)
		if err != nil {
			a.failures.Add(1)
			return windows, rows, fmt.Errorf("aggregate %s: %w", next, err)
		}
		if err := a.store.SetWatermark(ctx, wt, next.End); err != nil {
			a.failures.Add(1)
			return windows, rows, fmt.Errorf("advance watermark %s: %w", next, err)
		}
		a.setWatermark(wt, next.End)

		log.Debug("window aggregated", "window", next.String(), "rows", n)
		windows++
		rows += n
		a.windows.Add(1)
		a.rows.Add(int64(n))
		next = next.Next()
	}
	return windows, rows, nil
}

// AggregateWindow computes and upserts the window of type wt starting at
// start. It does not move the watermark and may be repeated; over
// unchanged source rows it writes identical values. Open windows are
// refused.
func (a *Aggregator) AggregateWindow(ctx context.Context, wt types.WindowType, start time.Time) (int, error) {
	if !wt.Valid() {
		return 0, fmt.Errorf("window type %q: %w", wt, errors.ErrInvalidWindow)
	}
	w := types.WindowAt(wt, start)
	if !w.Start.Equal(start.UTC()) {
		return 0, errors.NewInvalidValue("window_start", start, "not aligned to "+string(wt))
	}
	return a.aggregate(ctx, w, a.opts.Now().UTC())
}

func (a *Aggregator) aggregate(ctx context.Context, w types.Window, now time.Time) (int, error) {
	if !w.Closed(now) {
		return 0, fmt.Errorf("%s: %w", w, errors.ErrWindowOpen)
	}

	var (
		trades []durable.StoredTrade
		health []durable.StoredHealth
		finer  []types.AggregatedMetric
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.ReadParallelism)
	g.Go(func() error {
		var err error
		trades, err = a.store.TradesClosedIn(gctx, w.Start, w.End)
		return err
	})
	g.Go(func() error {
		var err error
		health, err = a.store.HealthIn(gctx, w.Start, w.End)
		return err
	})
	if ft, ok := w.Type.Finer(); ok {
		g.Go(func() error {
			var err error
			finer, err = a.store.AggregatesIn(gctx, ft, w.Start, w.End)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("read sources: %w", err)
	}

	rows, err := a.compute(w, trades, health, finer)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := a.store.UpsertAggregates(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (a *Aggregator) compute(w types.Window, trades []durable.StoredTrade, health []durable.StoredHealth, finer []types.AggregatedMetric) ([]types.AggregatedMetric, error) {
	rows := computeTrades(w, trades)

	h, err := computeHealth(w, health, a.opts.PercentileAccuracy)
	if err != nil {
		return nil, err
	}
	rows = append(rows, h...)
	rows = append(rows, rollUp(w, finer)...)
	rows = append(rows, computeDrawdown(w, finer)...)

	sortRows(rows)
	return rows, nil
}

// Stats returns current statistics.
func (a *Aggregator) Stats() Stats {
	s := Stats{
		Runs:              a.runs.Load(),
		WindowsAggregated: a.windows.Load(),
		RowsWritten:       a.rows.Load(),
		Failures:          a.failures.Load(),
		RetentionRuns:     a.retentionRuns.Load(),
		TradesDeleted:     a.tradesDeleted.Load(),
		HealthDeleted:     a.healthDeleted.Load(),
		AggregatesDeleted: a.aggregatesDeleted.Load(),
		FilesArchived:     a.filesArchived.Load(),
	}
	if ns := a.lastRun.Load(); ns != 0 {
		s.LastRun = time.Unix(0, ns).UTC()
	}
	return s
}
