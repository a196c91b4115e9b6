package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Signal is a fully-formed trade intent produced by a strategy.
type Signal struct {
	Strategy    string
	Pair        string
	Direction   enum.Direction
	SignalPrice decimal.Decimal
	StopLoss    decimal.Decimal
}

// TradeRecord is an opened trade with its protection levels.
type TradeRecord struct {
	ID            string           `json:"id"`
	Pair          string           `json:"pair"`
	Direction     enum.Direction   `json:"direction"`
	EntryPrice    decimal.Decimal  `json:"entryPrice"`
	StopLoss      decimal.Decimal  `json:"stopLoss"`
	TakeProfit    decimal.Decimal  `json:"takeProfit"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Leverage      int              `json:"leverage"`
	CapitalBefore decimal.Decimal  `json:"capitalBefore"`
	SLOrderID     string           `json:"slOrderId"`
	TPOrderID     string           `json:"tpOrderId,omitempty"`
	Status        enum.TradeStatus `json:"status"`
	OpenedAt      time.Time        `json:"openedAt"`
}

// TradeResult is a settled trade.
type TradeResult struct {
	TradeRecord
	ExitPrice    decimal.Decimal `json:"exitPrice"`
	PnL          decimal.Decimal `json:"pnl"`
	CapitalAfter decimal.Decimal `json:"capitalAfter"`
	ClosedAt     time.Time       `json:"closedAt"`
	Duration     time.Duration   `json:"duration"`
}

// Win reports whether the trade settled at a profit.
func (r TradeResult) Win() bool {
	return r.PnL.IsPositive()
}
