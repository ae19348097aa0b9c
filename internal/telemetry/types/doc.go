// Package types defines the records that flow through the telemetry core.
//
// Producers build MetricSample, TradeRecord and HealthSnapshot values and
// hand them to the ingestion manager. The manager groups same-kind records
// into a Batch and transfers ownership of the batch to the storage backend.
// AggregatedMetric is the durable, windowed form of metric data and is
// keyed by (profile_id, metric_type, metric_name, window_type, window_start).
//
// All timestamps are UTC with microsecond precision and all decimal values
// are rounded to DecimalPlaces, matching the durable store's column types so
// that a record read back equals the record written.
package types
