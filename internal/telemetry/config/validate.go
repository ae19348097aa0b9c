package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	defaults "github.com/deltadyno/telemetry/config"
	telerrors "github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// Validate checks the configuration for errors. The returned error matches
// errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}
	if err := c.Durable.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("durable: %w", err))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	if err := c.Aggregation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("aggregation: %w", err))
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if err := c.Monitor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", telerrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.FlushIntervalSeconds <= 0 {
		errs = append(errs, errors.New("flush_interval_seconds must be positive"))
	}
	if c.FlushTimeout <= 0 {
		errs = append(errs, errors.New("flush_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, errors.New("queue_depth must be positive"))
	}
	if c.RetryBackoff < 0 || c.MaxRetryBackoff < c.RetryBackoff {
		errs = append(errs, errors.New("retry_backoff must be non-negative and <= max_retry_backoff"))
	}
	switch c.LatePolicy {
	case "drop", "keep":
	default:
		errs = append(errs, fmt.Errorf("late_policy %q must be drop or keep", c.LatePolicy))
	}

	return errors.Join(errs...)
}

// Validate checks the durable configuration.
func (c *DurableConfig) Validate() error {
	var errs []error

	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("pool_size must be positive"))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("acquire_timeout must be positive"))
	}
	if c.InsertChunkSize <= 0 {
		errs = append(errs, errors.New("insert_chunk_size must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the cache configuration. An empty addr disables the
// cache and skips the remaining checks.
func (c *CacheConfig) Validate() error {
	if c.Addr == "" {
		return nil
	}

	var errs []error

	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("pool_size must be positive"))
	}
	if c.TTLSeconds <= 0 {
		errs = append(errs, errors.New("ttl_seconds must be positive"))
	}
	if c.KeyPrefix == "" {
		errs = append(errs, errors.New("key_prefix is required"))
	}

	return errors.Join(errs...)
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.MaxLookbackDays <= 0 {
		errs = append(errs, errors.New("max_lookback_days must be positive"))
	}
	if c.MaxLimit <= 0 || c.MaxLimit > defaults.MaxQueryLimit {
		errs = append(errs, fmt.Errorf("max_limit must be in 1..%d", defaults.MaxQueryLimit))
	}
	if c.DefaultLimit <= 0 || c.DefaultLimit > c.MaxLimit {
		errs = append(errs, errors.New("default_limit must be in 1..max_limit"))
	}

	return errors.Join(errs...)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks the aggregation configuration.
func (c *AggregationConfig) Validate() error {
	var errs []error

	if c.Enabled {
		if _, err := cronParser.Parse(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
		}
	}
	for _, w := range c.Windows {
		if _, err := types.ParseWindowType(w); err != nil {
			errs = append(errs, err)
		}
	}
	if c.CatchUpWindows <= 0 {
		errs = append(errs, errors.New("catch_up_windows must be positive"))
	}
	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy >= 1 {
		errs = append(errs, errors.New("percentile_accuracy must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// WindowTypes returns the parsed window list. Validate must have passed.
func (c *AggregationConfig) WindowTypes() []types.WindowType {
	out := make([]types.WindowType, 0, len(c.Windows))
	for _, w := range c.Windows {
		if wt, err := types.ParseWindowType(w); err == nil {
			out = append(out, wt)
		}
	}
	return out
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Enabled {
		if _, err := cronParser.Parse(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
		}
		if c.RawHorizon <= 0 {
			errs = append(errs, errors.New("raw_horizon must be positive"))
		}
		if c.AggregateHorizon < c.RawHorizon {
			errs = append(errs, errors.New("aggregate_horizon must be >= raw_horizon"))
		}
	}
	switch c.Compression {
	case "", "zstd", "snappy", "gzip", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Compression))
	}

	return errors.Join(errs...)
}

// Validate checks the monitor configuration.
func (c *MonitorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.ProfileID <= 0 {
		errs = append(errs, errors.New("profile_id must be positive"))
	}
	if c.ScriptName == "" {
		errs = append(errs, errors.New("script_name is required"))
	}
	if c.ErrorThreshold == 0 {
		errs = append(errs, errors.New("error_threshold must be positive"))
	}
	return errors.Join(errs...)
}

// CronParser returns the schedule parser shared with the aggregator.
func CronParser() cron.Parser {
	return cronParser
}
