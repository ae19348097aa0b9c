// Package cache provides the Redis-backed hot cache of the telemetry core.
//
// The cache holds the latest value per (profile_id, logical key) with a TTL
// on every write. A miss only means "ask the durable store"; it never means
// the value does not exist.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deltadyno/telemetry/config"
	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/pool"
)

var log = logging.Component("cache")

// Config holds cache configuration options.
type Config struct {
	Addr           string
	Password       string
	DB             int
	PoolSize       int
	AcquireTimeout time.Duration
	TTL            time.Duration
	KeyPrefix      string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           config.DefaultCacheAddr,
		PoolSize:       config.DefaultCachePoolSize,
		AcquireTimeout: config.DefaultAcquireTimeout,
		TTL:            time.Duration(config.DefaultCacheTTLSeconds) * time.Second,
		KeyPrefix:      config.DefaultCacheKeyPrefix,
	}
}

// Entry is the cached latest value of one logical key.
type Entry struct {
	Kind string `msgpack:"k"`
	// Value is the decimal value as text; empty when the record has none.
	Value     string         `msgpack:"v,omitempty"`
	Status    string         `msgpack:"s,omitempty"`
	Timestamp time.Time      `msgpack:"t"`
	Payload   map[string]any `msgpack:"p,omitempty"`
}

// Item is one entry addressed for SetMany.
type Item struct {
	ProfileID int64
	Key       string
	Entry     Entry
}

// Stats contains cache counters.
type Stats struct {
	Pool   pool.Stats
	Hits   uint64
	Misses uint64
	Writes uint64
	Errors uint64
}

// Cache is the hot cache client. It is safe for concurrent use.
type Cache struct {
	client *redis.Client
	gate   *pool.Gate
	config Config

	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
	errs   atomic.Uint64
}

// Open creates the client and its connection pool. An unreachable server
// is logged, not returned: cache writes are best-effort and report their
// own errors.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "cache addr is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = config.DefaultCachePoolSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Duration(config.DefaultCacheTTLSeconds) * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = config.DefaultCacheKeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: cfg.AcquireTimeout,
	})

	c := &Cache{
		client: client,
		gate:   pool.NewGate("cache", cfg.PoolSize, cfg.AcquireTimeout),
		config: cfg,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		log.Warn("cache unreachable at startup", "addr", cfg.Addr, "error", err)
	} else {
		log.Info("cache opened", "addr", cfg.Addr, "pool_size", cfg.PoolSize, "ttl", cfg.TTL)
	}

	return c, nil
}

// Close closes the client and its pool.
func (c *Cache) Close() error {
	c.gate.Close()
	return c.client.Close()
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
}

// TTL returns the expiry applied to every write.
func (c *Cache) TTL() time.Duration {
	return c.config.TTL
}

// Key returns the Redis key of a logical key.
func (c *Cache) Key(profileID int64, key string) string {
	return c.config.KeyPrefix + ":" + strconv.FormatInt(profileID, 10) + ":" + key
}

// Set stores one entry with the configured TTL.
func (c *Cache) Set(ctx context.Context, profileID int64, key string, e Entry) error {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = c.do(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, c.Key(profileID, key), b, c.config.TTL).Err()
	})
	if err == nil {
		c.writes.Add(1)
	}
	return err
}

// SetMany stores entries in one pipelined round trip. Later items win over
// earlier items with the same key.
func (c *Cache) SetMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	encoded := make([][]byte, len(items))
	for i := range items {
		b, err := msgpack.Marshal(&items[i].Entry)
		if err != nil {
			return fmt.Errorf("encode cache entry %d: %w", i, err)
		}
		encoded[i] = b
	}

	err := c.do(ctx, func(ctx context.Context) error {
		_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, it := range items {
				pipe.Set(ctx, c.Key(it.ProfileID, it.Key), encoded[i], c.config.TTL)
			}
			return nil
		})
		return err
	})
	if err == nil {
		c.writes.Add(uint64(len(items)))
	}
	return err
}

// Get returns the entry of a logical key or errors.ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, profileID int64, key string) (Entry, error) {
	var b []byte
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		b, err = c.client.Get(ctx, c.Key(profileID, key)).Bytes()
		return err
	})
	if errors.Is(err, errors.ErrCacheMiss) {
		c.misses.Add(1)
		return Entry{}, err
	}
	if err != nil {
		return Entry{}, err
	}

	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		c.errs.Add(1)
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	c.hits.Add(1)
	return e, nil
}

// Remaining returns the time left before a key expires.
func (c *Cache) Remaining(ctx context.Context, profileID int64, key string) (time.Duration, error) {
	var d time.Duration
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		d, err = c.client.PTTL(ctx, c.Key(profileID, key)).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.ErrCacheMiss
	}
	return d, nil
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Pool:   c.gate.Stats(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Writes: c.writes.Load(),
		Errors: c.errs.Load(),
	}
}

// do runs fn under the pool gate and classifies its error.
func (c *Cache) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.gate.Do(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return errors.ErrCacheMiss
	case errors.Is(err, errors.ErrPoolExhausted), errors.Is(err, errors.ErrClosed):
		c.errs.Add(1)
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.errs.Add(1)
		return fmt.Errorf("redis: %w: %w", errors.ErrTimeout, err)
	default:
		c.errs.Add(1)
		return errors.Connection(err, "redis")
	}
}
