// telemetryd runs the telemetry core as a standalone daemon: the ingestion
// manager, the aggregation and retention jobs, and the self-health monitor.
package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry"
	telconfig "github.com/deltadyno/telemetry/internal/telemetry/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "telemetry.yaml", "config file path")
	dbPath := flag.String("db", "", "DuckDB database path (overrides config)")
	redisAddr := flag.String("redis", "", "Redis address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	jsonLogs := flag.Bool("json", false, "log as JSON")
	flag.Parse()

	usedDefaults := false
	cfg, err := telconfig.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.Init(logging.ParseLevel(*logLevel), *jsonLogs)
			logging.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = telconfig.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			logging.Error("apply environment", "error", err)
			os.Exit(1)
		}
		usedDefaults = true
	}

	// CLI overrides
	if *dbPath != "" {
		cfg.Durable.Path = *dbPath
	}
	if *redisAddr != "" {
		cfg.Cache.Addr = *redisAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Logging.JSON = true
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("telemetryd")
	log.Info("telemetryd starting", "version", Version, "config", *cfgPath)
	if usedDefaults {
		log.Info("no config file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := telemetry.Open(ctx, cfg)
	if err != nil {
		log.Error("open telemetry", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		log.Error("start telemetry", "error", err)
		svc.Close(context.Background())
		os.Exit(1)
	}

	log.Info("telemetryd running",
		"db", cfg.Durable.Path,
		"cache", cfg.Cache.Addr,
		"enabled", cfg.Enabled)

	<-ctx.Done()
	stop()
	log.Info("shutting down", "drain_timeout", cfg.Ingestion.ShutdownTimeout)

	drain := cfg.Ingestion.ShutdownTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if err := svc.Close(closeCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
		cancel()
		os.Exit(1)
	}

	st := svc.Stats()
	log.Info("telemetryd stopped",
		"enqueued", st.Ingestion.Enqueued,
		"flushed", st.Ingestion.RecordsFlushed,
		"dropped", st.Ingestion.RecordsDropped)
}
