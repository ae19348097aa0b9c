package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// RetentionResult summarizes one retention run.
type RetentionResult struct {
	RawCutoff         time.Time
	TradesDeleted     int64
	HealthDeleted     int64
	AggregatesDeleted int64
	Files             []string
}

// RunRetention archives and deletes raw trade and health rows older than
// RawHorizon, then deletes aggregates older than AggregateHorizon. Raw
// rows of windows not yet aggregated are kept: the raw cutoff never
// passes the watermark of a configured window type. Rows are only
// deleted once their archive file is complete.
func (a *Aggregator) RunRetention(ctx context.Context, now time.Time) (RetentionResult, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	now = now.UTC()
	a.retentionRuns.Add(1)

	res := RetentionResult{RawCutoff: a.rawCutoff(now)}

	n, files, err := purge(ctx, a, res.RawCutoff,
		a.store.TradesBefore,
		func(batch []durable.StoredTrade) (string, error) { return a.opts.Archiver.ArchiveTrades(batch) },
		func(t durable.StoredTrade) int64 { return t.ID },
		a.store.DeleteTradesUpTo)
	res.TradesDeleted = n
	res.Files = append(res.Files, files...)
	a.tradesDeleted.Add(n)
	if err != nil {
		return res, fmt.Errorf("trade retention: %w", err)
	}

	n, files, err = purge(ctx, a, res.RawCutoff,
		a.store.HealthBefore,
		func(batch []durable.StoredHealth) (string, error) { return a.opts.Archiver.ArchiveHealth(batch) },
		func(h durable.StoredHealth) int64 { return h.ID },
		a.store.DeleteHealthUpTo)
	res.HealthDeleted = n
	res.Files = append(res.Files, files...)
	a.healthDeleted.Add(n)
	if err != nil {
		return res, fmt.Errorf("health retention: %w", err)
	}

	aggCutoff := now.Add(-a.opts.AggregateHorizon)
	n, err = a.store.DeleteAggregatesBefore(ctx, aggCutoff)
	res.AggregatesDeleted = n
	a.aggregatesDeleted.Add(n)
	if err != nil {
		return res, fmt.Errorf("aggregate retention: %w", err)
	}

	a.filesArchived.Add(int64(len(res.Files)))
	if res.TradesDeleted+res.HealthDeleted+res.AggregatesDeleted > 0 {
		log.Info("retention run",
			"raw_cutoff", res.RawCutoff,
			"trades", res.TradesDeleted,
			"health", res.HealthDeleted,
			"aggregates", res.AggregatesDeleted,
			"files", len(res.Files))
	}
	return res, nil
}

// rawCutoff clamps the raw horizon to every configured watermark. A type
// that was never aggregated clamps to the start of its last closed window,
// the first window its initial run will compute.
func (a *Aggregator) rawCutoff(now time.Time) time.Time {
	cutoff := now.Add(-a.opts.RawHorizon)
	for _, wt := range a.opts.Windows {
		w, ok := a.watermark(wt)
		if !ok {
			w = types.LastClosed(wt, now).Start
		}
		if w.Before(cutoff) {
			cutoff = w
		}
	}
	return cutoff
}

// purge pages through rows older than cutoff by id, archiving each page
// before deleting exactly the rows it contained.
func purge[T any](
	ctx context.Context,
	a *Aggregator,
	cutoff time.Time,
	page func(ctx context.Context, cutoff time.Time, limit int) ([]T, error),
	archiveFn func([]T) (string, error),
	id func(T) int64,
	del func(ctx context.Context, cutoff time.Time, maxID int64) (int64, error),
) (deleted int64, files []string, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return deleted, files, err
		}

		batch, err := page(ctx, cutoff, a.opts.RetentionBatch)
		if err != nil {
			return deleted, files, err
		}
		if len(batch) == 0 {
			return deleted, files, nil
		}

		if a.opts.Archiver != nil {
			path, err := archiveFn(batch)
			if err != nil {
				return deleted, files, err
			}
			files = append(files, path)
		}

		n, err := del(ctx, cutoff, id(batch[len(batch)-1]))
		deleted += n
		if err != nil {
			return deleted, files, err
		}
		if len(batch) < a.opts.RetentionBatch {
			return deleted, files, nil
		}
	}
}
