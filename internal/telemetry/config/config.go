// Package config loads the telemetry configuration.
//
// Values are resolved in three layers: compiled defaults (config/defaults.go),
// the YAML file, then TELEMETRY_* environment variables. A .env file in the
// working directory is loaded into the environment first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	defaults "github.com/deltadyno/telemetry/config"
)

// Environment variables recognized by Load.
const (
	EnvEnabled       = "TELEMETRY_ENABLED"
	EnvDBPath        = "TELEMETRY_DB_PATH"
	EnvRedisAddr     = "TELEMETRY_REDIS_ADDR"
	EnvRedisPassword = "TELEMETRY_REDIS_PASSWORD"
	EnvLogLevel      = "TELEMETRY_LOG_LEVEL"
)

// Config represents the complete telemetry configuration.
type Config struct {
	// Enabled turns collection on. When false every producer call is a no-op
	// and no background worker is started.
	Enabled bool `yaml:"enabled"`

	// Ingestion configures batching and flushing.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Durable configures the DuckDB store and its pool.
	Durable DurableConfig `yaml:"durable"`

	// Cache configures the Redis hot cache and its pool.
	Cache CacheConfig `yaml:"cache"`

	// Query configures read bounds.
	Query QueryConfig `yaml:"query"`

	// Aggregation configures the windowed aggregator.
	Aggregation AggregationConfig `yaml:"aggregation"`

	// Retention configures raw and aggregate expiry.
	Retention RetentionConfig `yaml:"retention"`

	// Monitor configures self-reported health.
	Monitor MonitorConfig `yaml:"monitor"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`
}

// IngestionConfig configures batching and flushing.
type IngestionConfig struct {
	// BatchSize is the record count per kind that triggers a flush.
	BatchSize int `yaml:"batch_size"`

	// FlushIntervalSeconds is the timer period for flushing partial batches.
	FlushIntervalSeconds float64 `yaml:"flush_interval_seconds"`

	// FlushTimeout bounds one flush attempt.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// MaxRetries is the number of retries after a retriable flush failure.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial retry delay.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetryBackoff caps the retry delay.
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// QueueDepth is the number of batches that may wait per kind.
	QueueDepth int `yaml:"queue_depth"`

	// ShutdownTimeout bounds the final flush.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LatePolicy decides what happens to records that fall into an already
	// aggregated window: "drop" (default) or "keep".
	LatePolicy string `yaml:"late_policy"`
}

// FlushInterval returns FlushIntervalSeconds as a duration.
func (c *IngestionConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds * float64(time.Second))
}

// DurableConfig configures the DuckDB store.
type DurableConfig struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string `yaml:"path"`

	// PoolSize is the process-wide durable connection limit.
	PoolSize int `yaml:"pool_size"`

	// AcquireTimeout bounds how long a checkout waits for a free connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// QueryTimeout bounds one read query.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// InsertChunkSize is the number of rows per multi-row statement.
	InsertChunkSize int `yaml:"insert_chunk_size"`

	// MemoryLimit is the DuckDB memory limit, e.g. "2GB". Empty keeps the
	// engine default.
	MemoryLimit string `yaml:"memory_limit"`
}

// CacheConfig configures the Redis hot cache.
type CacheConfig struct {
	// Addr is host:port of the Redis server. Empty runs without a cache.
	Addr string `yaml:"addr"`

	// Password authenticates against Redis.
	Password string `yaml:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db"`

	// PoolSize is the process-wide cache connection limit.
	PoolSize int `yaml:"pool_size"`

	// AcquireTimeout bounds how long a checkout waits for a free connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// TTLSeconds is applied to every cache write.
	TTLSeconds int `yaml:"ttl_seconds"`

	// KeyPrefix namespaces every key.
	KeyPrefix string `yaml:"key_prefix"`
}

// TTL returns TTLSeconds as a duration.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// QueryConfig configures read bounds.
type QueryConfig struct {
	// MaxLookbackDays rejects ranges wider than this.
	MaxLookbackDays int `yaml:"max_lookback_days"`

	// DefaultLimit applies when a read does not specify one.
	DefaultLimit int `yaml:"default_limit"`

	// MaxLimit is the hard upper bound on rows per read.
	MaxLimit int `yaml:"max_limit"`
}

// MaxLookback returns MaxLookbackDays as a duration.
func (c *QueryConfig) MaxLookback() time.Duration {
	return time.Duration(c.MaxLookbackDays) * 24 * time.Hour
}

// AggregationConfig configures the aggregator.
type AggregationConfig struct {
	// Enabled starts the aggregation job.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec (seconds field optional).
	Schedule string `yaml:"schedule"`

	// Windows lists the window types to compute.
	Windows []string `yaml:"windows"`

	// CatchUpWindows limits closed windows per type per run.
	CatchUpWindows int `yaml:"catch_up_windows"`

	// PercentileAccuracy is the DDSketch relative accuracy.
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// RetentionConfig configures expiry.
type RetentionConfig struct {
	// Enabled starts the retention job.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec.
	Schedule string `yaml:"schedule"`

	// RawHorizon is how long raw trade and health rows are kept.
	RawHorizon time.Duration `yaml:"raw_horizon"`

	// AggregateHorizon is how long aggregated rows are kept.
	AggregateHorizon time.Duration `yaml:"aggregate_horizon"`

	// ArchiveDir receives Parquet copies of expired raw rows. Empty deletes
	// without archiving.
	ArchiveDir string `yaml:"archive_dir"`

	// Compression is the Parquet codec: zstd, snappy, gzip, none.
	Compression string `yaml:"compression"`
}

// MonitorConfig configures self-reported health.
type MonitorConfig struct {
	// Enabled starts the monitor.
	Enabled bool `yaml:"enabled"`

	// Interval is the reporting period.
	Interval time.Duration `yaml:"interval"`

	// ProfileID is the profile the core reports its own health under.
	ProfileID int64 `yaml:"profile_id"`

	// ScriptName is the script_name of self-reported health.
	ScriptName string `yaml:"script_name"`

	// ErrorThreshold is the per-interval error count at which a component
	// reports error instead of degraded.
	ErrorThreshold uint64 `yaml:"error_threshold"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON switches to JSON output.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from TELEMETRY_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := lookupEnv(EnvEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEnabled, err)
		}
		c.Enabled = b
	}
	if v, ok := lookupEnv(EnvDBPath); ok {
		c.Durable.Path = v
	}
	if v, ok := lookupEnv(EnvRedisAddr); ok {
		c.Cache.Addr = v
	}
	if v, ok := lookupEnv(EnvRedisPassword); ok {
		c.Cache.Password = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled: defaults.DefaultEnabled,
		Ingestion: IngestionConfig{
			BatchSize:            defaults.DefaultBatchSize,
			FlushIntervalSeconds: defaults.DefaultFlushIntervalSeconds,
			FlushTimeout:         defaults.DefaultFlushTimeout,
			MaxRetries:           defaults.DefaultMaxRetries,
			RetryBackoff:         defaults.DefaultRetryBackoff,
			MaxRetryBackoff:      defaults.DefaultMaxRetryBackoff,
			QueueDepth:           defaults.DefaultQueueDepth,
			ShutdownTimeout:      defaults.DefaultShutdownTimeout,
			LatePolicy:           defaults.DefaultLatePolicy,
		},
		Durable: DurableConfig{
			Path:            defaults.DefaultDurablePath,
			PoolSize:        defaults.DefaultDurablePoolSize,
			AcquireTimeout:  defaults.DefaultAcquireTimeout,
			QueryTimeout:    defaults.DefaultQueryTimeout,
			ConnMaxLifetime: defaults.DefaultConnMaxLifetime,
			InsertChunkSize: defaults.DefaultInsertChunkSize,
		},
		Cache: CacheConfig{
			Addr:           defaults.DefaultCacheAddr,
			PoolSize:       defaults.DefaultCachePoolSize,
			AcquireTimeout: defaults.DefaultAcquireTimeout,
			TTLSeconds:     defaults.DefaultCacheTTLSeconds,
			KeyPrefix:      defaults.DefaultCacheKeyPrefix,
		},
		Query: QueryConfig{
			MaxLookbackDays: defaults.DefaultMaxLookbackDays,
			DefaultLimit:    defaults.DefaultQueryLimit,
			MaxLimit:        defaults.MaxQueryLimit,
		},
		Aggregation: AggregationConfig{
			Enabled:            true,
			Schedule:           defaults.DefaultAggregationSchedule,
			Windows:            []string{"hour", "day", "week", "month"},
			CatchUpWindows:     defaults.DefaultCatchUpWindows,
			PercentileAccuracy: 0.01,
		},
		Retention: RetentionConfig{
			Enabled:          true,
			Schedule:         defaults.DefaultRetentionSchedule,
			RawHorizon:       defaults.DefaultRawHorizon,
			AggregateHorizon: defaults.DefaultAggregateHorizon,
			Compression:      "zstd",
		},
		Monitor: MonitorConfig{
			Enabled:        true,
			Interval:       defaults.DefaultMonitorInterval,
			ProfileID:      1,
			ScriptName:     defaults.DefaultMonitorScriptName,
			ErrorThreshold: defaults.DefaultMonitorErrorThreshold,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
