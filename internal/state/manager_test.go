package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/model/enum"
)

func sampleState() model.AppState {
	return model.AppState{
		Strategies: map[string]model.StrategyState{
			"demo": {
				Phase:               enum.PhaseInTrade,
				ConditionsMet:       []int{0, 1},
				LastConditionCandle: 42,
				CurrentTradeID:      "t-1",
				UpdatedAt:           time.Now().UTC().Truncate(time.Second),
			},
		},
		ActiveTrades: []model.TradeRecord{{
			ID:         "t-1",
			Pair:       "BTC/USDT",
			Direction:  enum.DirectionLong,
			EntryPrice: decimal.RequireFromString("27123.5"),
			StopLoss:   decimal.RequireFromString("26900"),
			TakeProfit: decimal.RequireFromString("27570.5"),
			Quantity:   decimal.RequireFromString("0.5"),
			Leverage:   5,
			Status:     enum.TradeStatusOpen,
			SLOrderID:  "sl-1",
		}},
		LastCandleTimestamp: 1700000000000,
		UptimeStart:         time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))

	require.NoError(t, m.Save(sampleState()))
	loaded, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, enum.PhaseInTrade, loaded.Strategies["demo"].Phase)
	require.Len(t, loaded.ActiveTrades, 1)
	assert.Equal(t, "t-1", loaded.ActiveTrades[0].ID)
	assert.True(t, loaded.ActiveTrades[0].EntryPrice.Equal(decimal.RequireFromString("27123.5")))
	assert.Equal(t, int64(1700000000000), loaded.LastCandleTimestamp)
}

func TestLoadMissingFileIsNoState(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadCorruptFileIsNoState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	loaded, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "state.json"))
	require.NoError(t, m.Save(sampleState()))
	require.NoError(t, m.Save(sampleState()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestSaveOverwritesPrevious(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	first := sampleState()
	require.NoError(t, m.Save(first))

	second := sampleState()
	second.ActiveTrades = nil
	require.NoError(t, m.Save(second))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.ActiveTrades)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, m.Save(sampleState()))
	require.NoError(t, m.Remove())
	require.NoError(t, m.Remove())
}
