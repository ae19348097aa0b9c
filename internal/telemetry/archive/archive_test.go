package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

var base = time.Date(2026, 1, 5, 9, 30, 0, 123456000, time.UTC)

func testTrades() []durable.StoredTrade {
	return []durable.StoredTrade{
		{ID: 1, TradeRecord: types.TradeRecord{
			ProfileID: 1, Symbol: "SPY", TradeType: types.TradeTypeBreakout,
			EntryPrice: decimal.RequireFromString("512.123456"),
			ExitPrice:  decimal.RequireFromString("513.000001"),
			Quantity:   10,
			PnL:        decimal.RequireFromString("8.76545"),
			PnLPct:     decimal.RequireFromString("0.171154"),
			Slippage:   decimal.RequireFromString("0.001712"),
			EntryTime:  base,
			ExitTime:   base.Add(95 * time.Second),
			Duration:   95 * time.Second,
			Direction:  "up",
			ExitReason: "target",
			Metadata:   types.Metadata{"bar_strength": 0.82},
		}},
		{ID: 2, TradeRecord: types.TradeRecord{
			ProfileID: 1, Symbol: "QQQ", TradeType: types.TradeTypeManual,
			EntryPrice: decimal.NewFromInt(400),
			ExitPrice:  decimal.NewFromInt(398),
			Quantity:   5,
			PnL:        decimal.NewFromInt(-10),
			PnLPct:     decimal.RequireFromString("-0.5"),
			Slippage:   decimal.RequireFromString("0.005"),
			EntryTime:  base.Add(time.Hour),
			ExitTime:   base.Add(2 * time.Hour),
			Duration:   time.Hour,
		}},
	}
}

func TestArchiveTradesRoundTrip(t *testing.T) {
	a := NewArchiver(t.TempDir(), DefaultOptions())
	in := testTrades()

	path, err := a.ArchiveTrades(in)
	if err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}

	want := FileName(types.KindTrade, in[0].ExitTime, in[1].ExitTime)
	if filepath.Base(path) != want {
		t.Errorf("file name = %s, want %s", filepath.Base(path), want)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be gone")
	}

	out, err := ReadTrades(path)
	if err != nil {
		t.Fatalf("ReadTrades: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d trades, want %d", len(out), len(in))
	}
	for i := range in {
		got, exp := out[i], in[i]
		if got.ID != exp.ID || got.Symbol != exp.Symbol || got.Quantity != exp.Quantity {
			t.Errorf("trade %d identity mismatch: %+v", i, got)
		}
		if !got.EntryPrice.Equal(exp.EntryPrice) || !got.PnL.Equal(exp.PnL) || !got.Slippage.Equal(exp.Slippage) {
			t.Errorf("trade %d decimals mismatch: entry=%s pnl=%s", i, got.EntryPrice, got.PnL)
		}
		if !got.EntryTime.Equal(exp.EntryTime) || !got.ExitTime.Equal(exp.ExitTime) {
			t.Errorf("trade %d times mismatch: %s %s", i, got.EntryTime, got.ExitTime)
		}
		if got.Duration != exp.Duration {
			t.Errorf("trade %d duration = %s, want %s", i, got.Duration, exp.Duration)
		}
	}
	if v, ok := out[0].BarStrength(); !ok || v != 0.82 {
		t.Errorf("bar_strength = %v, %v", v, ok)
	}
	if out[1].Metadata != nil {
		t.Errorf("metadata should stay nil, got %v", out[1].Metadata)
	}
}

func TestArchiveHealthRoundTrip(t *testing.T) {
	a := NewArchiver(t.TempDir(), Options{Compression: CompressionSnappy})
	in := []durable.StoredHealth{
		{ID: 7, HealthSnapshot: types.HealthSnapshot{
			ProfileID: 1, ScriptName: "breakout", MetricName: types.MetricAPILatency,
			MetricValue: decimal.NewNullDecimal(decimal.RequireFromString("84.5")),
			Status:      types.StatusHealthy, Timestamp: base,
		}},
		{ID: 8, HealthSnapshot: types.HealthSnapshot{
			ProfileID: 1, ScriptName: "breakout", MetricName: types.MetricStatus,
			Status: types.StatusDegraded, Timestamp: base.Add(time.Minute),
			Metadata: types.Metadata{"reason": "rate limited"},
		}},
	}

	path, err := a.ArchiveHealth(in)
	if err != nil {
		t.Fatalf("ArchiveHealth: %v", err)
	}
	out, err := ReadHealth(path)
	if err != nil {
		t.Fatalf("ReadHealth: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(out))
	}
	if !out[0].MetricValue.Valid || !out[0].MetricValue.Decimal.Equal(decimal.RequireFromString("84.5")) {
		t.Errorf("value = %v", out[0].MetricValue)
	}
	if out[1].MetricValue.Valid {
		t.Error("status snapshot should have no value")
	}
	if out[1].Status != types.StatusDegraded || out[1].Metadata["reason"] != "rate limited" {
		t.Errorf("snapshot 8 = %+v", out[1])
	}
}

func TestArchiveNameCollision(t *testing.T) {
	a := NewArchiver(t.TempDir(), DefaultOptions())
	trades := testTrades()

	first, err := a.ArchiveTrades(trades)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := a.ArchiveTrades(trades)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second {
		t.Fatal("second archive overwrote the first")
	}

	files, err := a.List(types.KindTrade)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("List = %v, want 2 files", files)
	}
	for _, f := range files {
		kind, from, to, err := ParseFileName(f)
		if err != nil {
			t.Fatalf("ParseFileName(%s): %v", f, err)
		}
		if kind != types.KindTrade || !from.Equal(trades[0].ExitTime.Truncate(time.Second)) || !to.Equal(trades[1].ExitTime.Truncate(time.Second)) {
			t.Errorf("ParseFileName(%s) = %s %s %s", f, kind, from, to)
		}
	}
}

func TestArchiveEmpty(t *testing.T) {
	a := NewArchiver(t.TempDir(), DefaultOptions())
	path, err := a.ArchiveTrades(nil)
	if err != nil || path != "" {
		t.Errorf("ArchiveTrades(nil) = %q, %v", path, err)
	}
	files, _ := a.List(types.KindTrade)
	if len(files) != 0 {
		t.Errorf("no file expected, got %v", files)
	}
}

func TestGetFileInfo(t *testing.T) {
	a := NewArchiver(t.TempDir(), DefaultOptions())
	path, err := a.ArchiveTrades(testTrades())
	if err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}
	info, err := GetFileInfo(path)
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.NumRows != 2 || info.Size == 0 {
		t.Errorf("info = %+v", info)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionType
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"Snappy", CompressionSnappy, false},
		{"gzip", CompressionGzip, false},
		{"none", CompressionNone, false},
		{"brotli", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCompressionType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompressionType(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestWriterClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.parquet")
	w, err := NewWriter[HealthRow](path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write([]HealthRow{{ID: 1}}); err != ErrWriterClosed {
		t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
	}
}
