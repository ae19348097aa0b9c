// Package durable provides the DuckDB-backed durable store of the telemetry
// core.
//
// The store owns one process-wide connection pool. Every checkout goes
// through a pool.Gate of the same size as the database/sql pool, so a burst
// of concurrent flushes waits a bounded time and then fails with
// errors.ErrPoolExhausted instead of queueing indefinitely. The storage
// backend answers that error with WithTransientConn, which opens a single
// unpooled connection on the same database and closes it afterwards.
package durable

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/deltadyno/telemetry/config"
	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/pool"
)

var log = logging.Component("durable")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string

	// PoolSize is the maximum number of pooled connections.
	PoolSize int

	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration

	// QueryTimeout is the default timeout for reads.
	QueryTimeout time.Duration

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// InsertChunkSize is the number of rows per multi-row statement.
	InsertChunkSize int

	// MemoryLimit is passed to DuckDB as memory_limit when set.
	MemoryLimit string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:            config.DefaultDurablePath,
		PoolSize:        config.DefaultDurablePoolSize,
		AcquireTimeout:  config.DefaultAcquireTimeout,
		QueryTimeout:    config.DefaultQueryTimeout,
		ConnMaxLifetime: config.DefaultConnMaxLifetime,
		InsertChunkSize: config.DefaultInsertChunkSize,
	}
}

func (c Config) dsn() string {
	if c.MemoryLimit == "" {
		return c.Path
	}
	q := url.Values{}
	q.Set("memory_limit", c.MemoryLimit)
	return c.Path + "?" + q.Encode()
}

// =============================================================================
// Store
// =============================================================================

// Stats contains store counters.
type Stats struct {
	Pool          pool.Stats
	RowsWritten   uint64
	Writes        uint64
	Reads         uint64
	Errors        uint64
	FallbackConns uint64
}

// Store provides durable telemetry storage.
//
// Store is safe for concurrent use.
type Store struct {
	connector *duckdb.Connector
	db        *sql.DB
	gate      *pool.Gate
	config    Config

	schemaMu   sync.Mutex
	schemaOnce initOnce

	rowsWritten   atomic.Uint64
	writes        atomic.Uint64
	reads         atomic.Uint64
	errs          atomic.Uint64
	fallbackConns atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open opens the database and its connection pool. The schema is not
// touched; call InitSchema before first use.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = config.DefaultDurablePoolSize
	}
	if cfg.InsertChunkSize <= 0 {
		cfg.InsertChunkSize = config.DefaultInsertChunkSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = config.DefaultQueryTimeout
	}

	connector, err := duckdb.NewConnector(cfg.dsn(), nil)
	if err != nil {
		return nil, errors.Connection(fmt.Errorf("open database %q: %w", cfg.Path, err), "duckdb")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		connector.Close()
		return nil, errors.Connection(fmt.Errorf("ping database: %w", err), "duckdb")
	}

	log.Info("durable store opened", "path", cfg.Path, "pool_size", cfg.PoolSize)

	return &Store{
		connector: connector,
		db:        db,
		gate:      pool.NewGate("durable", cfg.PoolSize, cfg.AcquireTimeout),
		config:    cfg,
	}, nil
}

// Close closes the pool and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.gate.Close()

	err := s.db.Close()
	if cerr := s.connector.Close(); err == nil {
		err = cerr
	}
	log.Info("durable store closed", "fallback_conns", s.fallbackConns.Load())
	return err
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Ping checks database connectivity through the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.WithConn(ctx, func(c *Conn) error {
		return c.db.PingContext(ctx)
	})
}

// Stats returns the store's counters.
func (s *Store) Stats() Stats {
	return Stats{
		Pool:          s.gate.Stats(),
		RowsWritten:   s.rowsWritten.Load(),
		Writes:        s.writes.Load(),
		Reads:         s.reads.Load(),
		Errors:        s.errs.Load(),
		FallbackConns: s.fallbackConns.Load(),
	}
}

// =============================================================================
// Connection Checkout
// =============================================================================

// Conn is a checked-out handle. It is only valid inside the callback that
// received it.
type Conn struct {
	db        *sql.DB
	store     *Store
	transient bool
}

// Transient reports whether the handle uses an unpooled connection.
func (c *Conn) Transient() bool {
	return c.transient
}

// WithConn runs fn on a pooled connection. It fails with
// errors.ErrPoolExhausted when no slot frees up within the acquire timeout.
func (s *Store) WithConn(ctx context.Context, fn func(*Conn) error) error {
	if s.isClosed() {
		return errors.Wrap(errors.ErrClosed, "durable store")
	}
	return s.gate.Do(ctx, func(ctx context.Context) error {
		return s.track(fn(&Conn{db: s.db, store: s}))
	})
}

// transientConnector hides the shared connector's Close so closing the
// transient pool leaves the database open.
type transientConnector struct {
	c driver.Connector
}

func (t transientConnector) Connect(ctx context.Context) (driver.Conn, error) {
	return t.c.Connect(ctx)
}

func (t transientConnector) Driver() driver.Driver {
	return t.c.Driver()
}

// WithTransientConn runs fn on a single unpooled connection that is closed
// when fn returns. It bypasses the pool gate.
func (s *Store) WithTransientConn(ctx context.Context, fn func(*Conn) error) error {
	if s.isClosed() {
		return errors.Wrap(errors.ErrClosed, "durable store")
	}

	db := sql.OpenDB(transientConnector{c: s.connector})
	db.SetMaxOpenConns(1)
	defer db.Close()

	s.fallbackConns.Add(1)
	log.Warn("using transient durable connection", "pool", s.gate.Stats().InUse)

	return s.track(fn(&Conn{db: db, store: s, transient: true}))
}

func (s *Store) track(err error) error {
	if err != nil {
		s.errs.Add(1)
	}
	return err
}

// read runs a pooled read with the default query timeout.
func read[T any](ctx context.Context, s *Store, fn func(ctx context.Context, c *Conn) (T, error)) (T, error) {
	var out T
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	err := s.WithConn(ctx, func(c *Conn) error {
		var err error
		out, err = fn(ctx, c)
		return err
	})
	s.reads.Add(1)
	return out, err
}

// =============================================================================
// Transaction Support
// =============================================================================

// tx executes fn within a transaction. If fn returns an error, the
// transaction is rolled back.
func (c *Conn) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// execChunked runs one multi-row statement per chunk of n rows inside a
// single transaction.
func (c *Conn) execChunked(ctx context.Context, n int, build func(lo, hi int) (string, []any)) error {
	if n == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chunk := c.store.config.InsertChunkSize
	err := c.tx(ctx, func(tx *sql.Tx) error {
		for lo := 0; lo < n; lo += chunk {
			hi := lo + chunk
			if hi > n {
				hi = n
			}
			query, args := build(lo, hi)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("chunk %d: %w", lo/chunk, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.store.writes.Add(1)
	c.store.rowsWritten.Add(uint64(n))
	return nil
}
