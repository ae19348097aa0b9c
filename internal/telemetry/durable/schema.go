package durable

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/deltadyno/telemetry/internal/errors"
)

// =============================================================================
// Schema Migration
// =============================================================================

// migration is one idempotent schema step. Versions are applied in order
// and recorded in schema_version.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the full schema. Append only; never edit an applied step.
var migrations = []migration{
	{
		version: 1,
		name:    "schema_version",
		sql: `CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name VARCHAR NOT NULL,
			applied_at TIMESTAMP DEFAULT current_timestamp
		)`,
	},

	// Aggregated metrics: one row per (profile, metric, window).
	{
		version: 2,
		name:    "telemetry_metrics",
		sql: `CREATE TABLE IF NOT EXISTS telemetry_metrics (
			profile_id BIGINT NOT NULL,
			metric_type VARCHAR NOT NULL,
			metric_name VARCHAR NOT NULL,
			metric_value DECIMAL(18,6) NOT NULL,
			window_type VARCHAR NOT NULL,
			window_start TIMESTAMP NOT NULL,
			window_end TIMESTAMP NOT NULL,
			metadata VARCHAR,
			created_at TIMESTAMP DEFAULT current_timestamp,
			updated_at TIMESTAMP DEFAULT current_timestamp,
			PRIMARY KEY (profile_id, metric_type, metric_name, window_type, window_start)
		)`,
	},
	{
		version: 3,
		name:    "idx_metrics_lookup",
		sql:     `CREATE INDEX IF NOT EXISTS idx_metrics_lookup ON telemetry_metrics(profile_id, metric_type, metric_name)`,
	},
	{
		version: 4,
		name:    "idx_metrics_window",
		sql:     `CREATE INDEX IF NOT EXISTS idx_metrics_window ON telemetry_metrics(window_start, window_end)`,
	},

	// Trades: append-only.
	{
		version: 5,
		name:    "trade_performance_seq",
		sql:     `CREATE SEQUENCE IF NOT EXISTS trade_performance_id_seq START 1`,
	},
	{
		version: 6,
		name:    "trade_performance",
		sql: `CREATE TABLE IF NOT EXISTS trade_performance (
			id BIGINT PRIMARY KEY DEFAULT nextval('trade_performance_id_seq'),
			profile_id BIGINT NOT NULL,
			symbol VARCHAR NOT NULL,
			trade_type VARCHAR NOT NULL,
			entry_price DECIMAL(18,6) NOT NULL,
			exit_price DECIMAL(18,6) NOT NULL,
			quantity BIGINT NOT NULL,
			pnl DECIMAL(18,6) NOT NULL,
			pnl_pct DECIMAL(18,6) NOT NULL,
			slippage DECIMAL(18,6) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			duration_seconds BIGINT NOT NULL,
			direction VARCHAR,
			exit_reason VARCHAR,
			metadata VARCHAR,
			created_at TIMESTAMP DEFAULT current_timestamp
		)`,
	},
	{
		version: 7,
		name:    "idx_trades_profile_entry",
		sql:     `CREATE INDEX IF NOT EXISTS idx_trades_profile_entry ON trade_performance(profile_id, entry_time)`,
	},
	{
		version: 8,
		name:    "idx_trades_symbol_entry",
		sql:     `CREATE INDEX IF NOT EXISTS idx_trades_symbol_entry ON trade_performance(symbol, entry_time)`,
	},

	// Health: append-only.
	{
		version: 9,
		name:    "system_health_seq",
		sql:     `CREATE SEQUENCE IF NOT EXISTS system_health_id_seq START 1`,
	},
	{
		version: 10,
		name:    "system_health",
		sql: `CREATE TABLE IF NOT EXISTS system_health (
			id BIGINT PRIMARY KEY DEFAULT nextval('system_health_id_seq'),
			profile_id BIGINT NOT NULL,
			script_name VARCHAR NOT NULL,
			metric_name VARCHAR NOT NULL,
			metric_value DECIMAL(18,6),
			status VARCHAR NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			metadata VARCHAR,
			created_at TIMESTAMP DEFAULT current_timestamp
		)`,
	},
	{
		version: 11,
		name:    "idx_health_profile_script_ts",
		sql:     `CREATE INDEX IF NOT EXISTS idx_health_profile_script_ts ON system_health(profile_id, script_name, timestamp)`,
	},

	// Aggregator progress, one row per window type.
	{
		version: 12,
		name:    "aggregation_state",
		sql: `CREATE TABLE IF NOT EXISTS aggregation_state (
			window_type VARCHAR PRIMARY KEY,
			watermark TIMESTAMP NOT NULL,
			updated_at TIMESTAMP DEFAULT current_timestamp
		)`,
	},
}

// SchemaVersion is the version of the last migration.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// InitSchema creates every table, sequence and index. It runs once per
// process; a failure leaves the store uninitialized so the next call
// retries. Any error matches errors.ErrSchema and is fatal at startup.
func (s *Store) InitSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	return s.schemaOnce.Do(func() error {
		return s.WithConn(ctx, func(c *Conn) error {
			return c.migrate(ctx)
		})
	})
}

// ResetSchema forces the next InitSchema call to re-run the migrations.
func (s *Store) ResetSchema() {
	s.schemaOnce.Reset()
}

func (c *Conn) migrate(ctx context.Context) error {
	// The version table has to exist before it can be consulted.
	if _, err := c.db.ExecContext(ctx, migrations[0].sql); err != nil {
		return errors.Schema(err, "migration "+migrations[0].name)
	}

	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return errors.Schema(err, "read schema_version")
	}

	count := 0
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := c.tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				m.version, m.name)
			return err
		})
		if err != nil {
			return errors.Schema(err, fmt.Sprintf("migration %d %s", m.version, m.name))
		}
		count++
		log.Debug("migration applied", "version", m.version, "name", m.name)
	}

	log.Info("schema migration completed", "applied", count, "version", SchemaVersion())
	return nil
}

func (c *Conn) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// =============================================================================
// Init Once
// =============================================================================

// initOnce runs an initialization function until it succeeds once. Unlike
// sync.Once a failed attempt is not remembered, and Reset re-arms it.
type initOnce struct {
	done atomic.Bool
	m    sync.Mutex
}

// Do calls f unless a previous call succeeded since the last Reset.
func (o *initOnce) Do(f func() error) error {
	if o.done.Load() {
		return nil
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done.Load() {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done.Store(true)
	return nil
}

// Reset allows Do to run again.
func (o *initOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	o.done.Store(false)
}

// Done reports whether initialization has succeeded.
func (o *initOnce) Done() bool {
	return o.done.Load()
}
