// Package telemetry wires the telemetry core together.
//
// A Service owns one durable store pool and one optional cache pool for the
// whole process. Every component receives them through its constructor;
// nothing in the core is a package-level singleton.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/aggregate"
	"github.com/deltadyno/telemetry/internal/telemetry/backend"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	telconfig "github.com/deltadyno/telemetry/internal/telemetry/config"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/ingestion"
	"github.com/deltadyno/telemetry/internal/telemetry/monitor"
)

var log = logging.Component("telemetry")

// Service is the telemetry core of one process.
type Service struct {
	cfg *telconfig.Config

	store      *durable.Store
	cache      *cache.Cache
	backend    *backend.Hybrid
	manager    *ingestion.Manager
	aggregator *aggregate.Aggregator
	monitor    *monitor.Monitor

	running   atomic.Bool
	closed    atomic.Bool
	startTime time.Time
}

// Open validates cfg, opens the pools and builds every component. Schema
// initialization failure is fatal. An unreachable cache is not: writes
// then go to the durable store only.
//
// A disabled configuration opens nothing and returns a service whose
// manager ignores every record.
func Open(ctx context.Context, cfg *telconfig.Config) (*Service, error) {
	if cfg == nil {
		cfg = telconfig.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{cfg: cfg}
	if !cfg.Enabled {
		s.manager = ingestion.New(nil, ingestion.OptionsFromConfig(cfg))
		log.Info("telemetry disabled")
		return s, nil
	}

	aggOpts, err := aggregate.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("aggregator options: %w", err)
	}

	store, err := durable.Open(ctx, durableConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s.store = store

	if cfg.Cache.Addr != "" {
		c, err := cache.Open(ctx, cacheConfig(cfg))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		}
		s.cache = c
	} else {
		log.Info("cache not configured, latest values served from durable store")
	}

	s.backend = backend.New(store, s.cache, backend.Options{
		MaxLookback:  cfg.Query.MaxLookback(),
		DefaultLimit: cfg.Query.DefaultLimit,
		MaxLimit:     cfg.Query.MaxLimit,
		LoadTimeout:  cfg.Durable.QueryTimeout,
	})

	s.aggregator = aggregate.New(store, aggOpts)

	ingOpts := ingestion.OptionsFromConfig(cfg)
	if cfg.Aggregation.Enabled {
		ingOpts.LateCheck = s.aggregator.IsLate
	}
	if s.cache != nil {
		ingOpts.Latency = s.backend
	}
	s.manager = ingestion.New(s.backend, ingOpts)

	if cfg.Monitor.Enabled {
		s.monitor = monitor.New(s.manager, monitor.OptionsFromConfig(cfg))
		s.monitor.Register("ingestion", monitor.IngestionProbe(s.manager))
		s.monitor.Register("backend", monitor.BackendProbe(s.backend))
		s.monitor.Register("durable", monitor.DurableProbe(store))
		if s.cache != nil {
			s.monitor.Register("cache", monitor.CacheProbe(s.cache))
		}
		s.monitor.Register("aggregator", monitor.AggregatorProbe(s.aggregator, time.Now))
		s.monitor.Register("process", monitor.ProcessProbe())
	}

	log.Info("telemetry opened",
		"db", cfg.Durable.Path,
		"cache", cfg.Cache.Addr,
		"aggregation", cfg.Aggregation.Enabled,
		"monitor", cfg.Monitor.Enabled)
	return s, nil
}

func durableConfig(cfg *telconfig.Config) durable.Config {
	return durable.Config{
		Path:            cfg.Durable.Path,
		PoolSize:        cfg.Durable.PoolSize,
		AcquireTimeout:  cfg.Durable.AcquireTimeout,
		QueryTimeout:    cfg.Durable.QueryTimeout,
		ConnMaxLifetime: cfg.Durable.ConnMaxLifetime,
		InsertChunkSize: cfg.Durable.InsertChunkSize,
		MemoryLimit:     cfg.Durable.MemoryLimit,
	}
}

func cacheConfig(cfg *telconfig.Config) cache.Config {
	return cache.Config{
		Addr:           cfg.Cache.Addr,
		Password:       cfg.Cache.Password,
		DB:             cfg.Cache.DB,
		PoolSize:       cfg.Cache.PoolSize,
		AcquireTimeout: cfg.Cache.AcquireTimeout,
		TTL:            cfg.Cache.TTL(),
		KeyPrefix:      cfg.Cache.KeyPrefix,
	}
}

// Start starts the scheduled jobs and the monitor. The ingestion manager
// is already running once Open returns.
func (s *Service) Start(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("service closed")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("service already running")
	}
	s.startTime = time.Now()

	if !s.cfg.Enabled {
		return nil
	}

	if err := s.aggregator.Start(ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start aggregator: %w", err)
	}

	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.aggregator.Stop(stopCtx)
			s.running.Store(false)
			return fmt.Errorf("start monitor: %w", err)
		}
	}

	return nil
}

// Close shuts the service down in dependency order: the monitor stops
// producing, the manager flushes what it holds, the aggregator finishes
// its current run, then the cache and durable pools close. Every step runs
// even if an earlier one failed; the errors are joined.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.running.Store(false)

	var errs []error

	if s.monitor != nil {
		if err := s.monitor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close manager: %w", err))
	}

	if s.aggregator != nil {
		if err := s.aggregator.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close durable store: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.Error("telemetry closed with errors", "error", err)
		return err
	}
	log.Info("telemetry closed", "uptime", s.Uptime())
	return nil
}

// Manager returns the producer-facing ingestion manager.
func (s *Service) Manager() *ingestion.Manager { return s.manager }

// Backend returns the read and write backend, nil when disabled.
func (s *Service) Backend() *backend.Hybrid { return s.backend }

// Aggregator returns the aggregator, nil when disabled.
func (s *Service) Aggregator() *aggregate.Aggregator { return s.aggregator }

// Monitor returns the self-health monitor, nil when not configured.
func (s *Service) Monitor() *monitor.Monitor { return s.monitor }

// Store returns the durable store, nil when disabled.
func (s *Service) Store() *durable.Store { return s.store }

// Running reports whether Start succeeded and Close has not been called.
func (s *Service) Running() bool { return s.running.Load() }

// Uptime returns the time since Start.
func (s *Service) Uptime() time.Duration {
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Stats gathers the counters of every component.
type Stats struct {
	Ingestion  ingestion.Stats
	Backend    backend.Stats
	Durable    durable.Stats
	Cache      *cache.Stats
	Aggregator aggregate.Stats
	Uptime     time.Duration
}

// Stats returns the counters of every component. Components that are not
// open report zero values.
func (s *Service) Stats() Stats {
	st := Stats{
		Ingestion: s.manager.Stats(),
		Uptime:    s.Uptime(),
	}
	if s.backend != nil {
		st.Backend = s.backend.Stats()
	}
	if s.store != nil {
		st.Durable = s.store.Stats()
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		st.Cache = &cs
	}
	if s.aggregator != nil {
		st.Aggregator = s.aggregator.Stats()
	}
	return st
}
