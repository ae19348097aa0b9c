package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/deltadyno/telemetry/internal/errors"
	"github.com/deltadyno/telemetry/internal/telemetry/cache"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// Entry kinds written to the cache.
const (
	entryMetric = "metric"
	entryTrade  = "trade"
	entryHealth = "health"
)

type itemKey struct {
	profileID int64
	key       string
}

// latest keeps the newest item per (profile, key). Ties go to the later
// record of the batch.
type latest struct {
	order []itemKey
	items map[itemKey]cache.Item
}

func newLatest(n int) *latest {
	return &latest{items: make(map[itemKey]cache.Item, n)}
}

func (l *latest) add(it cache.Item) {
	k := itemKey{it.ProfileID, it.Key}
	prev, ok := l.items[k]
	if !ok {
		l.order = append(l.order, k)
	} else if it.Entry.Timestamp.Before(prev.Entry.Timestamp) {
		return
	}
	l.items[k] = it
}

func (l *latest) list() []cache.Item {
	out := make([]cache.Item, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.items[k])
	}
	return out
}

// mirror writes the latest value per logical key of the batch, and feeds
// API latency snapshots into the rolling latency window.
func (h *Hybrid) mirror(ctx context.Context, batch *types.Batch) error {
	l := newLatest(batch.Len())
	var errs []error

	switch batch.Kind {
	case types.KindMetric:
		for i := range batch.Metrics {
			m := &batch.Metrics[i]
			l.add(cache.Item{ProfileID: m.ProfileID, Key: m.Key(), Entry: metricEntry(m)})
		}
	case types.KindTrade:
		for i := range batch.Trades {
			t := &batch.Trades[i]
			l.add(cache.Item{ProfileID: t.ProfileID, Key: t.Key(), Entry: tradeEntry(t)})
		}
	case types.KindHealth:
		for i := range batch.Health {
			s := &batch.Health[i]
			l.add(cache.Item{ProfileID: s.ProfileID, Key: s.Key(), Entry: healthEntry(s)})
			if s.MetricName == types.MetricAPILatency && s.MetricValue.Valid {
				ms := s.MetricValue.Decimal.InexactFloat64()
				if err := h.cache.RecordLatency(ctx, s.ProfileID, s.ScriptName, ms, s.Timestamp); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	if err := h.cache.SetMany(ctx, l.list()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func metricEntry(m *types.MetricSample) cache.Entry {
	agg := m.ToAggregate()
	payload := map[string]any{
		"window_type":  string(agg.WindowType),
		"window_start": agg.WindowStart.Format(time.RFC3339),
	}
	for k, v := range m.Metadata {
		payload[k] = v
	}
	return cache.Entry{
		Kind:      entryMetric,
		Value:     agg.Value.String(),
		Timestamp: m.Timestamp,
		Payload:   payload,
	}
}

func aggregateEntry(a *types.AggregatedMetric) cache.Entry {
	payload := map[string]any{
		"window_type":  string(a.WindowType),
		"window_start": a.WindowStart.Format(time.RFC3339),
	}
	for k, v := range a.Metadata {
		payload[k] = v
	}
	return cache.Entry{
		Kind:      entryMetric,
		Value:     a.Value.String(),
		Timestamp: a.WindowStart,
		Payload:   payload,
	}
}

func tradeEntry(t *types.TradeRecord) cache.Entry {
	payload := map[string]any{
		"trade_type":       t.TradeType,
		"entry_price":      t.EntryPrice.String(),
		"exit_price":       t.ExitPrice.String(),
		"quantity":         t.Quantity,
		"pnl_pct":          t.PnLPct.String(),
		"slippage":         t.Slippage.String(),
		"entry_time":       t.EntryTime.Format(time.RFC3339Nano),
		"duration_seconds": int64(t.Duration / time.Second),
	}
	if t.Direction != "" {
		payload["direction"] = t.Direction
	}
	if t.ExitReason != "" {
		payload["exit_reason"] = t.ExitReason
	}
	return cache.Entry{
		Kind:      entryTrade,
		Value:     t.PnL.String(),
		Timestamp: t.ExitTime,
		Payload:   payload,
	}
}

func healthEntry(s *types.HealthSnapshot) cache.Entry {
	e := cache.Entry{
		Kind:      entryHealth,
		Status:    string(s.Status),
		Timestamp: s.Timestamp,
	}
	if s.MetricValue.Valid {
		e.Value = s.MetricValue.Decimal.String()
	}
	if len(s.Metadata) > 0 {
		e.Payload = map[string]any(s.Metadata.Clone())
	}
	return e
}

// loadLatest reads the latest durable value of a logical key and converts
// it to a cache entry.
func loadLatest(ctx context.Context, store *durable.Store, profileID int64, key string) (cache.Entry, error) {
	ref, err := types.ParseKey(key)
	if err != nil {
		return cache.Entry{}, err
	}

	switch ref.Kind {
	case types.KindTrade:
		t, err := store.LatestTrade(ctx, profileID, ref.A)
		if err != nil {
			return cache.Entry{}, err
		}
		if t == nil {
			return cache.Entry{}, notFound(profileID, key)
		}
		e := tradeEntry(&t.TradeRecord)
		e.Payload["id"] = t.ID
		return e, nil
	case types.KindHealth:
		s, err := store.LatestHealth(ctx, profileID, ref.A, ref.B)
		if err != nil {
			return cache.Entry{}, err
		}
		if s == nil {
			return cache.Entry{}, notFound(profileID, key)
		}
		return healthEntry(&s.HealthSnapshot), nil
	default:
		a, err := store.LatestAggregate(ctx, profileID, ref.A, ref.B)
		if err != nil {
			return cache.Entry{}, err
		}
		if a == nil {
			return cache.Entry{}, notFound(profileID, key)
		}
		return aggregateEntry(a), nil
	}
}

func notFound(profileID int64, key string) error {
	return fmt.Errorf("profile %d key %q: %w", profileID, key, errors.ErrNotFound)
}
