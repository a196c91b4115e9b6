package exchange

import (
	"context"

	"main/internal/model"
)

// Connector is the venue-agnostic futures exchange surface. Connect
// must load the pair's market rules before returning; every other
// call may assume a connected session.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Pair() string
	Rules() (model.MarketRules, error)

	// StreamCandles blocks, invoking fn for every candle update until
	// the stream fails or the context is cancelled.
	StreamCandles(ctx context.Context, timeframe string, fn func(model.Candle)) error

	SetLeverage(ctx context.Context, leverage int) error
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderInfo, error)
	CancelOrder(ctx context.Context, id string) error
	FetchOrder(ctx context.Context, id string) (model.OrderInfo, error)
	FetchBalance(ctx context.Context) (model.Balance, error)
	FetchPositions(ctx context.Context) ([]model.Position, error)
	FetchOpenOrders(ctx context.Context) ([]model.OrderInfo, error)
}
