package model

import (
	"fmt"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Candle is a single OHLCV bar. Timestamp is the bar open time in
// milliseconds since epoch.
type Candle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// MarketRules are the venue trading constraints for a pair.
type MarketRules struct {
	StepSize    decimal.Decimal `json:"stepSize"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinNotional decimal.Decimal `json:"minNotional"`
	MaxLeverage int             `json:"maxLeverage"`
}

// Loaded reports whether the rules carry usable rounding increments.
func (r MarketRules) Loaded() bool {
	return r.StepSize.IsPositive() && r.TickSize.IsPositive()
}

// Balance is an account balance in the settlement currency.
type Balance struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
}

// Validate checks the balance identity total = free + used.
func (b Balance) Validate() error {
	if !b.Total.Equal(b.Free.Add(b.Used)) {
		return fmt.Errorf("balance mismatch: total=%s free=%s used=%s", b.Total, b.Free, b.Used)
	}
	return nil
}

// Position is an open futures position.
type Position struct {
	Pair       string          `json:"pair"`
	Direction  enum.Direction  `json:"direction"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
}

// OrderRequest is the venue-agnostic order submission payload.
type OrderRequest struct {
	Pair       string
	Side       enum.OrderSide
	Type       enum.OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
}

// OrderInfo is the exchange view of a submitted order.
type OrderInfo struct {
	ID          string           `json:"id"`
	Pair        string           `json:"pair"`
	Side        enum.OrderSide   `json:"side"`
	Type        enum.OrderType   `json:"type"`
	Status      enum.OrderStatus `json:"status"`
	Price       decimal.Decimal  `json:"price"`
	Quantity    decimal.Decimal  `json:"quantity"`
	FilledPrice decimal.Decimal  `json:"filledPrice"`
}
