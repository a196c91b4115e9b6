package model

import (
	"time"

	"main/internal/model/enum"
)

// StrategyState is the persisted view of one strategy machine.
type StrategyState struct {
	Phase               enum.Phase `json:"phase"`
	ConditionsMet       []int      `json:"conditionsMet"`
	LastConditionCandle int        `json:"lastConditionCandle"`
	CurrentTradeID      string     `json:"currentTradeId,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// AppState is the full persisted application state.
type AppState struct {
	Strategies          map[string]StrategyState `json:"strategies"`
	ActiveTrades        []TradeRecord            `json:"activeTrades"`
	LastCandleTimestamp int64                    `json:"lastCandleTimestamp"`
	UptimeStart         time.Time                `json:"uptimeStart"`
}
