// Package config provides configuration defaults for the telemetry core.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via telemetry.yaml or environment variables.
package config

import "time"

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultEnabled turns telemetry collection on. When false every
	// producer call is a no-op.
	// Override via config: enabled
	DefaultEnabled = true

	// DefaultBatchSize is the number of same-kind records buffered before a
	// flush is submitted.
	// Override via config: ingestion.batch_size
	DefaultBatchSize = 50

	// DefaultFlushIntervalSeconds bounds how stale a buffered record can get.
	// Override via config: ingestion.flush_interval_seconds
	DefaultFlushIntervalSeconds = 10.0

	// DefaultFlushTimeout is the deadline for one flush attempt, including
	// pool acquisition.
	// Override via config: ingestion.flush_timeout
	DefaultFlushTimeout = 15 * time.Second

	// DefaultMaxRetries is the number of retries after a failed flush.
	// Override via config: ingestion.max_retries
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the first retry delay; it doubles per attempt.
	// Override via config: ingestion.retry_backoff
	DefaultRetryBackoff = 100 * time.Millisecond

	// DefaultMaxRetryBackoff caps the retry delay.
	DefaultMaxRetryBackoff = 5 * time.Second

	// DefaultLatencyLookupTimeout bounds the cache read that adds latency
	// percentiles to a system health report.
	DefaultLatencyLookupTimeout = 100 * time.Millisecond

	// DefaultQueueDepth is the number of snapshots that may wait behind an
	// in-flight flush of the same kind. Further snapshots are dropped.
	// Override via config: ingestion.queue_depth
	DefaultQueueDepth = 64

	// DefaultShutdownTimeout bounds the final flush on teardown.
	// Override via config: ingestion.shutdown_timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultLatePolicy drops records whose aggregation window was already
	// computed, with a warning and a counter.
	// Override via config: ingestion.late_policy ("drop" or "keep")
	DefaultLatePolicy = "drop"
)

// =============================================================================
// Durable Store Defaults
// =============================================================================

const (
	// DefaultDurablePath is the DuckDB database file.
	// Override via config: durable.path or TELEMETRY_DB_PATH
	DefaultDurablePath = "telemetry.duckdb"

	// DefaultDurablePoolSize is the process-wide durable connection limit.
	// Override via config: durable.pool_size
	DefaultDurablePoolSize = 50

	// DefaultAcquireTimeout is how long a checkout waits before the
	// fallback path is taken.
	// Override via config: durable.acquire_timeout, cache.acquire_timeout
	DefaultAcquireTimeout = 2 * time.Second

	// DefaultQueryTimeout is the deadline for one read query.
	// Override via config: durable.query_timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultConnMaxLifetime recycles pooled connections.
	DefaultConnMaxLifetime = 30 * time.Minute

	// DefaultInsertChunkSize is the number of rows per multi-row statement.
	// 16 columns * 200 rows stays well under driver parameter limits.
	DefaultInsertChunkSize = 200
)

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultCacheAddr is the Redis address.
	// Override via config: cache.addr or TELEMETRY_REDIS_ADDR
	DefaultCacheAddr = "localhost:6379"

	// DefaultCachePoolSize is the process-wide cache connection limit.
	// Override via config: cache.pool_size
	DefaultCachePoolSize = 100

	// DefaultCacheTTLSeconds is the expiry applied to every cache write.
	// Override via config: cache.ttl_seconds
	DefaultCacheTTLSeconds = 3600

	// DefaultCacheKeyPrefix namespaces every cache key.
	// Override via config: cache.key_prefix
	DefaultCacheKeyPrefix = "telemetry"
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultMaxLookbackDays rejects read ranges wider than this.
	// Override via config: query.max_lookback_days
	DefaultMaxLookbackDays = 365

	// DefaultQueryLimit is used when a read does not specify a limit.
	DefaultQueryLimit = 1000

	// MaxQueryLimit is the hard upper bound on rows per read.
	MaxQueryLimit = 10000
)

// =============================================================================
// Aggregation and Retention Defaults
// =============================================================================

const (
	// DefaultAggregationSchedule is the cron spec of the aggregation job.
	// Override via config: aggregation.schedule
	DefaultAggregationSchedule = "@every 5m"

	// DefaultCatchUpWindows limits how many closed windows of one type a
	// single run processes.
	// Override via config: aggregation.catch_up_windows
	DefaultCatchUpWindows = 48

	// DefaultRetentionSchedule is the cron spec of the retention job.
	// Override via config: retention.schedule
	DefaultRetentionSchedule = "@hourly"

	// DefaultRawHorizon is how long raw trade and health rows are kept.
	// Override via config: retention.raw_horizon
	DefaultRawHorizon = 90 * 24 * time.Hour

	// DefaultAggregateHorizon is how long aggregated rows are kept.
	// Override via config: retention.aggregate_horizon
	DefaultAggregateHorizon = 2 * 365 * 24 * time.Hour
)

// =============================================================================
// Monitor Defaults
// =============================================================================

const (
	// DefaultMonitorInterval is how often the telemetry core reports its own
	// health.
	// Override via config: monitor.interval
	DefaultMonitorInterval = time.Minute

	// DefaultMonitorScriptName is the script_name of self-reported health.
	DefaultMonitorScriptName = "telemetry"

	// DefaultMonitorErrorThreshold is the per-interval error count at which a
	// component reports error rather than degraded.
	// Override via config: monitor.error_threshold
	DefaultMonitorErrorThreshold = 10
)
