package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	telerrors "github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if !cfg.Enabled {
		t.Error("expected enabled by default")
	}
	if cfg.Ingestion.BatchSize != 50 {
		t.Errorf("expected batch_size=50, got %d", cfg.Ingestion.BatchSize)
	}
	if cfg.Ingestion.FlushInterval() != 10*time.Second {
		t.Errorf("expected flush interval 10s, got %v", cfg.Ingestion.FlushInterval())
	}
	if cfg.Durable.PoolSize != 50 {
		t.Errorf("expected durable pool_size=50, got %d", cfg.Durable.PoolSize)
	}
	if cfg.Cache.PoolSize != 100 {
		t.Errorf("expected cache pool_size=100, got %d", cfg.Cache.PoolSize)
	}
	if cfg.Cache.TTL() != time.Hour {
		t.Errorf("expected cache ttl 1h, got %v", cfg.Cache.TTL())
	}
	if cfg.Query.MaxLookback() != 365*24*time.Hour {
		t.Errorf("expected lookback 365d, got %v", cfg.Query.MaxLookback())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Ingestion.BatchSize = 0 }},
		{"zero flush interval", func(c *Config) { c.Ingestion.FlushIntervalSeconds = 0 }},
		{"unknown late policy", func(c *Config) { c.Ingestion.LatePolicy = "reopen" }},
		{"zero durable pool", func(c *Config) { c.Durable.PoolSize = 0 }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTLSeconds = 0 }},
		{"limit too large", func(c *Config) { c.Query.MaxLimit = 20000 }},
		{"bad schedule", func(c *Config) { c.Aggregation.Schedule = "every now and then" }},
		{"bad window", func(c *Config) { c.Aggregation.Windows = []string{"hour", "decade"} }},
		{"bad compression", func(c *Config) { c.Retention.Compression = "brotli" }},
		{"monitor without profile", func(c *Config) { c.Monitor.ProfileID = 0 }},
		{"zero monitor threshold", func(c *Config) { c.Monitor.ErrorThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !telerrors.Is(err, telerrors.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfigValidate_NoCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Addr = ""
	cfg.Cache.TTLSeconds = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("cache without addr should be valid, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "telemetry.yaml")

	configContent := `
enabled: true
ingestion:
  batch_size: 25
  flush_interval_seconds: 2.5
durable:
  path: /tmp/telemetry-test.duckdb
  pool_size: 8
cache:
  addr: redis:6379
  pool_size: 16
  ttl_seconds: 600
query:
  max_lookback_days: 30
aggregation:
  schedule: "*/30 * * * * *"
  windows: [hour, day]
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Ingestion.BatchSize != 25 {
		t.Errorf("expected batch_size=25, got %d", cfg.Ingestion.BatchSize)
	}
	if cfg.Ingestion.FlushInterval() != 2500*time.Millisecond {
		t.Errorf("expected flush interval 2.5s, got %v", cfg.Ingestion.FlushInterval())
	}
	if cfg.Durable.PoolSize != 8 {
		t.Errorf("expected durable pool_size=8, got %d", cfg.Durable.PoolSize)
	}
	if cfg.Cache.TTLSeconds != 600 {
		t.Errorf("expected ttl_seconds=600, got %d", cfg.Cache.TTLSeconds)
	}
	// Untouched options keep their defaults.
	if cfg.Ingestion.MaxRetries != 3 {
		t.Errorf("expected max_retries default, got %d", cfg.Ingestion.MaxRetries)
	}

	windows := cfg.Aggregation.WindowTypes()
	if len(windows) != 2 || windows[0] != types.WindowHour || windows[1] != types.WindowDay {
		t.Errorf("unexpected windows %v", windows)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvEnabled, "false")
	t.Setenv(EnvDBPath, "/data/override.duckdb")
	t.Setenv(EnvRedisAddr, "cache.internal:6380")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Enabled {
		t.Error("expected TELEMETRY_ENABLED=false to disable telemetry")
	}
	if cfg.Durable.Path != "/data/override.duckdb" {
		t.Errorf("expected db path override, got %s", cfg.Durable.Path)
	}
	if cfg.Cache.Addr != "cache.internal:6380" {
		t.Errorf("expected redis addr override, got %s", cfg.Cache.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level override, got %s", cfg.Logging.Level)
	}
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv(EnvEnabled, "sometimes")
	if _, err := Load(""); err == nil {
		t.Error("expected error for unparsable TELEMETRY_ENABLED")
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/telemetry.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}
