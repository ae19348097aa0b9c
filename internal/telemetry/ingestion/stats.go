package ingestion

import (
	"sync/atomic"

	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

type counters struct {
	enqueued         atomic.Uint64
	validationErrors atomic.Uint64
	lateRecords      atomic.Uint64
	batchesQueued    atomic.Uint64
	batchesFlushed   atomic.Uint64
	batchesDropped   atomic.Uint64
	recordsFlushed   atomic.Uint64
	recordsDropped   atomic.Uint64
	flushErrors      atomic.Uint64
	retries          atomic.Uint64
	fallbacks        atomic.Uint64
	cacheErrors      atomic.Uint64
}

// Stats holds ingestion counters. Every storage failure ends up in exactly
// one of these counters.
type Stats struct {
	Enqueued         uint64
	ValidationErrors uint64
	LateRecords      uint64
	BatchesQueued    uint64
	BatchesFlushed   uint64
	BatchesDropped   uint64
	RecordsFlushed   uint64
	RecordsDropped   uint64
	FlushErrors      uint64
	Retries          uint64
	Fallbacks        uint64
	CacheErrors      uint64

	// Pending is the number of buffered records per kind.
	Pending map[types.Kind]int
	// Queued is the number of batches waiting per kind.
	Queued map[types.Kind]int
}

// Stats returns the current counters. A disabled manager returns zeros.
func (m *Manager) Stats() Stats {
	if !m.opts.Enabled {
		return Stats{}
	}
	return Stats{
		Enqueued:         m.stats.enqueued.Load(),
		ValidationErrors: m.stats.validationErrors.Load(),
		LateRecords:      m.stats.lateRecords.Load(),
		BatchesQueued:    m.stats.batchesQueued.Load(),
		BatchesFlushed:   m.stats.batchesFlushed.Load(),
		BatchesDropped:   m.stats.batchesDropped.Load(),
		RecordsFlushed:   m.stats.recordsFlushed.Load(),
		RecordsDropped:   m.stats.recordsDropped.Load(),
		FlushErrors:      m.stats.flushErrors.Load(),
		Retries:          m.stats.retries.Load(),
		Fallbacks:        m.stats.fallbacks.Load(),
		CacheErrors:      m.stats.cacheErrors.Load(),
		Pending: map[types.Kind]int{
			types.KindMetric: m.metrics.len(),
			types.KindTrade:  m.trades.len(),
			types.KindHealth: m.health.len(),
		},
		Queued: map[types.Kind]int{
			types.KindMetric: len(m.queues[types.KindMetric]),
			types.KindTrade:  len(m.queues[types.KindTrade]),
			types.KindHealth: len(m.queues[types.KindHealth]),
		},
	}
}

// PendingTotal returns the number of buffered records across kinds.
func (s Stats) PendingTotal() int {
	n := 0
	for _, v := range s.Pending {
		n += v
	}
	return n
}
