// Package pool provides the bounded checkout gate shared by the durable and
// cache connection pools.
//
// A Gate has a fixed capacity. Acquire waits at most the configured timeout
// for a free slot and then fails with errors.ErrPoolExhausted, which the
// storage backend treats as the signal to take its fallback path.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/deltadyno/telemetry/internal/errors"
)

// Stats is a point-in-time view of a gate.
type Stats struct {
	Name     string
	Size     int64
	InUse    int64
	Peak     int64
	Acquired uint64
	Timeouts uint64
}

// Gate bounds the number of concurrent checkouts of a shared resource.
type Gate struct {
	name    string
	size    int64
	timeout time.Duration
	sem     *semaphore.Weighted

	inUse    atomic.Int64
	peak     atomic.Int64
	acquired atomic.Uint64
	timeouts atomic.Uint64
	closed   atomic.Bool
}

// NewGate creates a gate with size slots. A non-positive timeout waits for
// the caller's context only.
func NewGate(name string, size int, timeout time.Duration) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{
		name:    name,
		size:    int64(size),
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// Acquire checks out one slot. The returned release function is idempotent
// and must be called exactly once the resource is no longer used.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if g.closed.Load() {
		return nil, errors.Wrapf(errors.ErrClosed, "pool %s", g.name)
	}

	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		// The caller's own cancellation is not pool exhaustion.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.timeouts.Add(1)
		return nil, errors.Wrapf(errors.ErrPoolExhausted, "pool %s: no slot within %s (size %d)", g.name, g.timeout, g.size)
	}

	g.acquired.Add(1)
	n := g.inUse.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inUse.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// Do runs fn while holding one slot. The slot is released on every path,
// including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Close rejects further checkouts. Slots already held stay valid.
func (g *Gate) Close() {
	g.closed.Store(true)
}

// Size returns the capacity of the gate.
func (g *Gate) Size() int {
	return int(g.size)
}

// Stats returns the gate's counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Name:     g.name,
		Size:     g.size,
		InUse:    g.inUse.Load(),
		Peak:     g.peak.Load(),
		Acquired: g.acquired.Load(),
		Timeouts: g.timeouts.Load(),
	}
}
