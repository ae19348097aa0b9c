package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/deltadyno/telemetry/internal/telemetry/backend"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// RecordingBackend is an in-memory backend.Backend that records every
// successful batch. It is safe for concurrent use.
type RecordingBackend struct {
	mu      sync.Mutex
	batches []*types.Batch
	calls   int

	inFlight    map[types.Kind]int
	maxInFlight map[types.Kind]int

	// Fail, when set, decides the result of each call. attempt counts calls
	// for the same batch ID starting at 1.
	Fail func(b *types.Batch, attempt int) error

	// Delay is slept inside every call, honoring the call's context.
	Delay time.Duration

	// Block, when set, is received from before each call returns.
	Block chan struct{}

	attempts map[string]int
}

// NewRecordingBackend creates an empty recording backend.
func NewRecordingBackend() *RecordingBackend {
	return &RecordingBackend{
		inFlight:    make(map[types.Kind]int),
		maxInFlight: make(map[types.Kind]int),
		attempts:    make(map[string]int),
	}
}

// BulkWrite records b unless Fail returns an error.
func (r *RecordingBackend) BulkWrite(ctx context.Context, b *types.Batch) backend.Result {
	start := time.Now()

	r.mu.Lock()
	r.calls++
	r.attempts[b.ID]++
	attempt := r.attempts[b.ID]
	r.inFlight[b.Kind]++
	if r.inFlight[b.Kind] > r.maxInFlight[b.Kind] {
		r.maxInFlight[b.Kind] = r.inFlight[b.Kind]
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight[b.Kind]--
		r.mu.Unlock()
	}()

	res := backend.Result{BatchID: b.ID, Kind: b.Kind, Rows: b.Len()}

	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			res.Durable = ctx.Err()
			return res
		}
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			res.Durable = ctx.Err()
			return res
		}
	}
	if r.Fail != nil {
		if err := r.Fail(b, attempt); err != nil {
			res.Durable = err
			return res
		}
	}

	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()

	res.Duration = time.Since(start)
	return res
}

// Batches returns the recorded batches in write order.
func (r *RecordingBackend) Batches() []*types.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Batch(nil), r.batches...)
}

// BatchesOf returns the recorded batches of one kind.
func (r *RecordingBackend) BatchesOf(kind types.Kind) []*types.Batch {
	var out []*types.Batch
	for _, b := range r.Batches() {
		if b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}

// Rows returns the number of recorded rows of one kind.
func (r *RecordingBackend) Rows(kind types.Kind) int {
	n := 0
	for _, b := range r.BatchesOf(kind) {
		n += b.Len()
	}
	return n
}

// Calls returns the number of BulkWrite calls, including failed ones.
func (r *RecordingBackend) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// MaxInFlight returns the highest number of concurrent calls seen for a
// kind.
func (r *RecordingBackend) MaxInFlight(kind types.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight[kind]
}
