package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gonum.org/v1/gonum/stat"
)

// MaxLatencySamples is the number of recent latencies kept per script.
const MaxLatencySamples = 1000

// LatencyStats summarizes the recent latencies of one script.
type LatencyStats struct {
	Count int
	Avg   float64
	Min   float64
	Max   float64
	P50   float64
	P95   float64
	P99   float64
}

func (c *Cache) latencyKey(profileID int64, script string) string {
	return c.Key(profileID, "latency:"+script)
}

// RecordLatency appends one latency to the script's rolling window, trims
// the window to MaxLatencySamples and refreshes its TTL.
func (c *Cache) RecordLatency(ctx context.Context, profileID int64, script string, ms float64, at time.Time) error {
	key := c.latencyKey(profileID, script)
	member := strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatFloat(ms, 'f', -1, 64)

	err := c.do(ctx, func(ctx context.Context) error {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
			pipe.ZRemRangeByRank(ctx, key, 0, -MaxLatencySamples-1)
			pipe.Expire(ctx, key, c.config.TTL)
			return nil
		})
		return err
	})
	if err == nil {
		c.writes.Add(1)
	}
	return err
}

// LatencyStats returns statistics over the recent latencies of a script.
// An empty window returns a zero LatencyStats.
func (c *Cache) LatencyStats(ctx context.Context, profileID int64, script string) (LatencyStats, error) {
	var members []string
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		members, err = c.client.ZRange(ctx, c.latencyKey(profileID, script), 0, -1).Result()
		return err
	})
	if err != nil {
		return LatencyStats{}, err
	}

	values := make([]float64, 0, len(members))
	for _, m := range members {
		_, v, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return LatencyStats{}, fmt.Errorf("parse latency %q: %w", m, err)
		}
		values = append(values, f)
	}
	return summarize(values), nil
}

func summarize(values []float64) LatencyStats {
	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Float64s(values)
	return LatencyStats{
		Count: len(values),
		Avg:   stat.Mean(values, nil),
		Min:   values[0],
		Max:   values[len(values)-1],
		P50:   stat.Quantile(0.50, stat.Empirical, values, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, values, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, values, nil),
	}
}
