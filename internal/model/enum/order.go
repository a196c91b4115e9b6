package enum

// OrderSide is the taker side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) IsAvailable() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType distinguishes entry and protection orders.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

func (t OrderType) IsAvailable() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit:
		return true
	default:
		return false
	}
}

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

func (s OrderStatus) IsAvailable() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// IsLive reports whether the order still protects or can still fill.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusPending || s == OrderStatusOpen
}
