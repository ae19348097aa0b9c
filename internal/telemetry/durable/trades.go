package durable

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// =============================================================================
// Trade Operations
// =============================================================================

const tradeColumns = 15

var (
	tradeInsertHead = `INSERT INTO trade_performance (profile_id, symbol, trade_type,
		entry_price, exit_price, quantity, pnl, pnl_pct, slippage,
		entry_time, exit_time, duration_seconds, direction, exit_reason, metadata) VALUES `

	tradeInsertRow = rowPlaceholders([]string{
		"?", "?", "?",
		decimalParam, decimalParam, "?", decimalParam, decimalParam, decimalParam,
		"?", "?", "?", "?", "?", "?",
	})

	tradeSelect = `SELECT id, profile_id, symbol, trade_type, ` +
		decimalCol("entry_price") + `, ` + decimalCol("exit_price") + `, quantity, ` +
		decimalCol("pnl") + `, ` + decimalCol("pnl_pct") + `, ` + decimalCol("slippage") + `,
		entry_time, exit_time, duration_seconds, direction, exit_reason, metadata
		FROM trade_performance`
)

// InsertTrades appends trades with one multi-row statement per chunk inside
// one transaction. Either every row is written or none is.
func (c *Conn) InsertTrades(ctx context.Context, trades []types.TradeRecord) error {
	meta := make([]any, len(trades))
	for i := range trades {
		m, err := encodeMetadata(trades[i].Metadata)
		if err != nil {
			return fmt.Errorf("trade %d: %w", i, err)
		}
		meta[i] = m
	}

	return c.execChunked(ctx, len(trades), func(lo, hi int) (string, []any) {
		return buildMultiRowInsert(tradeInsertHead, tradeInsertRow, hi-lo, func(i int, dst []any) []any {
			t := &trades[lo+i]
			return append(dst,
				t.ProfileID,
				t.Symbol,
				t.TradeType,
				decimalArg(t.EntryPrice),
				decimalArg(t.ExitPrice),
				t.Quantity,
				decimalArg(t.PnL),
				decimalArg(t.PnLPct),
				decimalArg(t.Slippage),
				ts(t.EntryTime),
				ts(t.ExitTime),
				int64(t.Duration/time.Second),
				nullableString(t.Direction),
				nullableString(t.ExitReason),
				meta[lo+i],
			)
		}, tradeColumns)
	})
}

// TradeQuery selects trades of one profile by entry time.
type TradeQuery struct {
	ProfileID int64
	// From and To bound entry_time inclusively.
	From   time.Time
	To     time.Time
	Symbol string
	Limit  int
	Offset int
}

// StoredTrade is a trade as read back, with its row id.
type StoredTrade struct {
	ID int64
	types.TradeRecord
}

// QueryTrades returns trades ordered by entry_time descending.
func (c *Conn) QueryTrades(ctx context.Context, q TradeQuery) ([]StoredTrade, error) {
	var (
		where strings.Builder
		args  []any
	)
	where.WriteString(" WHERE profile_id = ? AND entry_time >= ? AND entry_time <= ?")
	args = append(args, q.ProfileID, ts(q.From), ts(q.To))
	if q.Symbol != "" {
		where.WriteString(" AND symbol = ?")
		args = append(args, strings.ToUpper(q.Symbol))
	}
	args = append(args, q.Limit, q.Offset)

	query := tradeSelect + where.String() + " ORDER BY entry_time DESC, id DESC LIMIT ? OFFSET ?"
	return c.scanTrades(ctx, query, args...)
}

// LatestTrade returns the most recent trade of a symbol.
func (c *Conn) LatestTrade(ctx context.Context, profileID int64, symbol string) (*StoredTrade, error) {
	trades, err := c.scanTrades(ctx,
		tradeSelect+` WHERE profile_id = ? AND symbol = ? ORDER BY exit_time DESC, id DESC LIMIT 1`,
		profileID, strings.ToUpper(symbol))
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return &trades[0], nil
}

// TradesClosedIn returns every trade whose exit_time falls in [from, to).
func (c *Conn) TradesClosedIn(ctx context.Context, from, to time.Time) ([]StoredTrade, error) {
	return c.scanTrades(ctx,
		tradeSelect+` WHERE exit_time >= ? AND exit_time < ? ORDER BY profile_id, exit_time, id`,
		ts(from), ts(to))
}

// TradesBefore returns up to limit trades that closed before cutoff, oldest
// first.
func (c *Conn) TradesBefore(ctx context.Context, cutoff time.Time, limit int) ([]StoredTrade, error) {
	return c.scanTrades(ctx,
		tradeSelect+` WHERE exit_time < ? ORDER BY id LIMIT ?`,
		ts(cutoff), limit)
}

// DeleteTradesUpTo deletes trades closed before cutoff with id <= maxID.
func (c *Conn) DeleteTradesUpTo(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM trade_performance WHERE exit_time < ? AND id <= ?`, ts(cutoff), maxID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Conn) scanTrades(ctx context.Context, query string, args ...any) ([]StoredTrade, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []StoredTrade
	for rows.Next() {
		var (
			t                                  StoredTrade
			entry, exit, pnl, pnlPct, slippage string
			durationSec                        int64
			direction, exitReason, metadata    sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.ProfileID, &t.Symbol, &t.TradeType,
			&entry, &exit, &t.Quantity, &pnl, &pnlPct, &slippage,
			&t.EntryTime, &t.ExitTime, &durationSec, &direction, &exitReason, &metadata); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}

		var p decimalParser
		t.EntryPrice = p.parse(entry)
		t.ExitPrice = p.parse(exit)
		t.PnL = p.parse(pnl)
		t.PnLPct = p.parse(pnlPct)
		t.Slippage = p.parse(slippage)
		if p.err != nil {
			return nil, p.err
		}

		t.EntryTime = t.EntryTime.UTC()
		t.ExitTime = t.ExitTime.UTC()
		t.Duration = time.Duration(durationSec) * time.Second
		t.Direction = direction.String
		t.ExitReason = exitReason.String
		if t.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
