package trade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/model/enum"
)

func sampleResult(id string, closedAt time.Time) model.TradeResult {
	return model.TradeResult{
		TradeRecord: model.TradeRecord{
			ID:            id,
			Pair:          "BTCUSDT",
			Direction:     enum.DirectionLong,
			EntryPrice:    d("100"),
			StopLoss:      d("90"),
			TakeProfit:    d("120"),
			Quantity:      d("10"),
			Leverage:      5,
			CapitalBefore: d("10000"),
			Status:        enum.TradeStatusClosed,
			OpenedAt:      closedAt.Add(-30 * time.Minute),
		},
		ExitPrice:    d("120"),
		PnL:          d("200"),
		CapitalAfter: d("10200"),
		ClosedAt:     closedAt,
		Duration:     30 * time.Minute,
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	ledger, err := NewLedger(t.TempDir(), nil)
	require.NoError(t, err)

	closedAt := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	require.NoError(t, ledger.Record(context.Background(), sampleResult("t-1", closedAt)))

	entries, err := ledger.ReadDay(closedAt)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, enum.DirectionLong, got.Direction)
	assert.True(t, got.EntryPrice.Equal(d("100")))
	assert.True(t, got.ExitPrice.Equal(d("120")))
	assert.True(t, got.PnL.Equal(d("200")))
	assert.True(t, got.CapitalAfter.Equal(d("10200")))
	assert.Equal(t, 5, got.Leverage)
	assert.Equal(t, 30*time.Minute, got.Duration)
	assert.True(t, got.Win())
}

func TestLedgerAppendsSameDay(t *testing.T) {
	dir := t.TempDir()
	ledger, err := NewLedger(dir, nil)
	require.NoError(t, err)

	closedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Record(context.Background(), sampleResult("t-1", closedAt)))
	require.NoError(t, ledger.Record(context.Background(), sampleResult("t-2", closedAt.Add(time.Hour))))

	entries, err := ledger.ReadDay(closedAt)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t-1", entries[0].ID)
	assert.Equal(t, "t-2", entries[1].ID)

	names, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestLedgerSplitsAcrossDays(t *testing.T) {
	ledger, err := NewLedger(t.TempDir(), nil)
	require.NoError(t, err)

	first := time.Date(2026, 3, 14, 23, 50, 0, 0, time.UTC)
	second := time.Date(2026, 3, 15, 0, 10, 0, 0, time.UTC)
	require.NoError(t, ledger.Record(context.Background(), sampleResult("t-1", first)))
	require.NoError(t, ledger.Record(context.Background(), sampleResult("t-2", second)))

	day1, err := ledger.ReadDay(first)
	require.NoError(t, err)
	day2, err := ledger.ReadDay(second)
	require.NoError(t, err)
	assert.Len(t, day1, 1)
	assert.Len(t, day2, 1)
}

func TestLedgerMissingDayIsEmpty(t *testing.T) {
	ledger, err := NewLedger(t.TempDir(), nil)
	require.NoError(t, err)

	entries, err := ledger.ReadDay(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedgerRejectsCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	ledger, err := NewLedger(dir, nil)
	require.NoError(t, err)

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(dir, "2026-03-14.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"x\",\"entry_price\":\"bogus\"}\n"), 0o644))

	_, err = ledger.ReadDay(day)
	assert.Error(t, err)
}
