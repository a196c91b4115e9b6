package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/event"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/pkg/exception"
	"main/pkg/ratelimit"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testRules() model.MarketRules {
	return model.MarketRules{
		StepSize:    d("0.001"),
		TickSize:    d("0.1"),
		MinNotional: d("5"),
		MaxLeverage: 20,
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) add(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func recordEvents(bus *event.Bus, types ...event.Type) *eventRecorder {
	rec := &eventRecorder{}
	for _, typ := range types {
		bus.Subscribe(typ, func(_ context.Context, e event.Event) error {
			rec.add(e)
			return nil
		})
	}
	return rec
}

type recoveryFixture struct {
	paper    *exchange.Paper
	recovery *Recovery
	rec      *eventRecorder
	orders   *[]model.OrderRequest
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	paper := exchange.NewPaper("BTCUSDT", testRules(), d("10000"))
	require.NoError(t, paper.Connect(context.Background()))
	paper.SetMarkPrice(d("100"))

	var placed []model.OrderRequest
	paper.PlaceErr = func(req model.OrderRequest) error {
		placed = append(placed, req)
		return nil
	}

	bus := event.NewBus(obs.NewMetrics())
	rec := recordEvents(bus, event.TypeErrorCritical)
	limiter := ratelimit.New(ratelimit.Config{MaxPerSecond: 1000, Burst: 100})
	return &recoveryFixture{
		paper:    paper,
		recovery: NewRecovery(paper, limiter, bus),
		rec:      rec,
		orders:   &placed,
	}
}

func record(id string) model.TradeRecord {
	return model.TradeRecord{
		ID:        id,
		Pair:      "BTCUSDT",
		Direction: enum.DirectionLong,
		Quantity:  d("10"),
		Status:    enum.TradeStatusOpen,
	}
}

func TestRecoveryNoTradesNoCalls(t *testing.T) {
	paper := exchange.NewPaper("BTCUSDT", testRules(), d("10000"))
	// Deliberately not connected: any venue call would fail.
	bus := event.NewBus(obs.NewMetrics())
	recovery := NewRecovery(paper, ratelimit.New(ratelimit.DefaultConfig()), bus)

	kept, err := recovery.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, kept)
}

func TestRecoveryDropsResolvedTrade(t *testing.T) {
	f := newRecoveryFixture(t)

	kept, err := f.recovery.Run(context.Background(), []model.TradeRecord{record("t1")})
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Empty(t, *f.orders)
	assert.Empty(t, f.rec.byType(event.TypeErrorCritical))
}

func TestRecoveryKeepsProtectedTrade(t *testing.T) {
	f := newRecoveryFixture(t)
	f.paper.SetPosition(&model.Position{
		Pair: "BTCUSDT", Direction: enum.DirectionLong, Quantity: d("10"), EntryPrice: d("100"),
	})
	_, err := f.paper.PlaceOrder(context.Background(), model.OrderRequest{
		Pair: "BTCUSDT", Side: enum.OrderSideSell, Type: enum.OrderTypeStopLoss,
		Quantity: d("10"), Price: d("90"), ReduceOnly: true,
	})
	require.NoError(t, err)
	*f.orders = nil

	kept, err := f.recovery.Run(context.Background(), []model.TradeRecord{record("t1")})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "t1", kept[0].ID)
	assert.Empty(t, *f.orders, "protected position must not be touched")
}

func TestRecoveryFlattensUnprotectedOnce(t *testing.T) {
	f := newRecoveryFixture(t)
	f.paper.SetPosition(&model.Position{
		Pair: "BTCUSDT", Direction: enum.DirectionLong, Quantity: d("10"), EntryPrice: d("100"),
	})

	kept, err := f.recovery.Run(context.Background(),
		[]model.TradeRecord{record("t1"), record("t2")})
	require.NoError(t, err)
	assert.Empty(t, kept, "both records dropped")

	require.Len(t, *f.orders, 1, "one close order for one position")
	closeOrder := (*f.orders)[0]
	assert.Equal(t, enum.OrderTypeMarket, closeOrder.Type)
	assert.Equal(t, enum.OrderSideSell, closeOrder.Side)
	assert.True(t, closeOrder.ReduceOnly)

	positions, perr := f.paper.FetchPositions(context.Background())
	require.NoError(t, perr)
	assert.Empty(t, positions)
	assert.Len(t, f.rec.byType(event.TypeErrorCritical), 1)
}

func TestRecoveryFlattenFailureKeepsRecord(t *testing.T) {
	f := newRecoveryFixture(t)
	f.paper.SetPosition(&model.Position{
		Pair: "BTCUSDT", Direction: enum.DirectionLong, Quantity: d("10"), EntryPrice: d("100"),
	})
	f.paper.PlaceErr = func(req model.OrderRequest) error {
		return exception.ErrOrderFailed
	}

	kept, err := f.recovery.Run(context.Background(), []model.TradeRecord{record("t1")})
	require.Error(t, err)
	require.Len(t, kept, 1)
	assert.Len(t, f.rec.byType(event.TypeErrorCritical), 1)
}

func TestRecoveryFlattenRejectedStatusKeepsRecord(t *testing.T) {
	f := newRecoveryFixture(t)
	f.paper.SetPosition(&model.Position{
		Pair: "BTCUSDT", Direction: enum.DirectionLong, Quantity: d("10"), EntryPrice: d("100"),
	})
	// The close order is accepted but never fills.
	f.paper.PlaceStatus = func(req model.OrderRequest) enum.OrderStatus {
		return enum.OrderStatusCancelled
	}

	kept, err := f.recovery.Run(context.Background(), []model.TradeRecord{record("t1")})
	require.ErrorIs(t, err, exception.ErrOrderFailed)
	require.Len(t, kept, 1)
	assert.Len(t, f.rec.byType(event.TypeErrorCritical), 1)

	positions, perr := f.paper.FetchPositions(context.Background())
	require.NoError(t, perr)
	assert.Len(t, positions, 1)
}

func TestRecoveryTimeoutKeepsRemaining(t *testing.T) {
	f := newRecoveryFixture(t)
	f.paper.SetPosition(&model.Position{
		Pair: "BTCUSDT", Direction: enum.DirectionLong, Quantity: d("10"), EntryPrice: d("100"),
	})
	f.recovery.budget = time.Nanosecond

	kept, err := f.recovery.Run(context.Background(),
		[]model.TradeRecord{record("t1"), record("t2")})
	require.NoError(t, err)
	assert.Len(t, kept, 2, "unprocessed records stay monitored")
	assert.Empty(t, *f.orders)
}
