package event

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/model"
	"main/internal/obs"
)

func candleFixture() model.Candle {
	return model.Candle{
		Timestamp: 1700000000000,
		Open:      decimal.RequireFromString("100"),
		High:      decimal.RequireFromString("101"),
		Low:       decimal.RequireFromString("99"),
		Close:     decimal.RequireFromString("100.5"),
		Volume:    decimal.RequireFromString("12.3"),
	}
}

func TestPublishRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		bus.Subscribe(TypeAppStarted, func(ctx context.Context, e Event) error {
			order = append(order, i)
			return nil
		})
	}

	bus.Publish(context.Background(), NewApp(TypeAppStarted))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestPublishReturnsAfterAllHandlers(t *testing.T) {
	bus := NewBus(nil)
	ran := 0
	bus.Subscribe(TypeCandleClosed, func(ctx context.Context, e Event) error {
		ran++
		return nil
	})
	bus.Subscribe(TypeCandleClosed, func(ctx context.Context, e Event) error {
		ran++
		return nil
	})

	bus.Publish(context.Background(), NewCandle("BTC/USDT", "1m", candleFixture()))
	require.Equal(t, 2, ran)
}

func TestNestedPublishRunsDepthFirst(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.Subscribe(TypeStrategySignalLong, func(ctx context.Context, e Event) error {
		order = append(order, "signal")
		bus.Publish(ctx, NewTrade(TypeTradeOpened, "t1", "BTC/USDT"))
		order = append(order, "signal-done")
		return nil
	})
	bus.Subscribe(TypeTradeOpened, func(ctx context.Context, e Event) error {
		order = append(order, "opened")
		return nil
	})

	bus.Publish(context.Background(), NewStrategy(TypeStrategySignalLong, "s", "BTC/USDT"))
	assert.Equal(t, []string{"signal", "opened", "signal-done"}, order)
}

func TestHandlerErrorDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(nil)
	var errEvents []Error
	bus.Subscribe(TypeErrorRecoverable, func(ctx context.Context, e Event) error {
		errEvents = append(errEvents, e.(Error))
		return nil
	})

	second := false
	bus.Subscribe(TypeCandleClosed, func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(TypeCandleClosed, func(ctx context.Context, e Event) error {
		second = true
		return nil
	})

	bus.Publish(context.Background(), NewCandle("BTC/USDT", "1m", candleFixture()))

	assert.True(t, second)
	require.Len(t, errEvents, 1)
	assert.Equal(t, string(TypeCandleClosed), errEvents[0].Source)
	assert.Contains(t, errEvents[0].Message, "boom")
}

func TestHandlerPanicBecomesRecoverableError(t *testing.T) {
	bus := NewBus(nil)
	var errEvents []Error
	bus.Subscribe(TypeErrorRecoverable, func(ctx context.Context, e Event) error {
		errEvents = append(errEvents, e.(Error))
		return nil
	})
	bus.Subscribe(TypeCandleClosed, func(ctx context.Context, e Event) error {
		panic("bad candle")
	})

	bus.Publish(context.Background(), NewCandle("BTC/USDT", "1m", candleFixture()))

	require.Len(t, errEvents, 1)
	assert.Contains(t, errEvents[0].Message, "bad candle")
}

func TestErrorHandlerFailureIsNotRepublished(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.Subscribe(TypeErrorRecoverable, func(ctx context.Context, e Event) error {
		calls++
		return errors.New("error handler itself failed")
	})
	bus.Subscribe(TypeCandleClosed, func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})

	bus.Publish(context.Background(), NewCandle("BTC/USDT", "1m", candleFixture()))
	assert.Equal(t, 1, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsub := bus.Subscribe(TypeAppStopped, func(ctx context.Context, e Event) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), NewApp(TypeAppStopped))
	unsub()
	bus.Publish(context.Background(), NewApp(TypeAppStopped))

	assert.Equal(t, 1, calls)
	assert.False(t, bus.HasHandlers(TypeAppStopped))
}

func TestClearDropsAllHandlers(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeAppStarted, func(ctx context.Context, e Event) error { return nil })
	bus.Subscribe(TypeTradeOpened, func(ctx context.Context, e Event) error { return nil })

	bus.Clear()
	assert.False(t, bus.HasHandlers(TypeAppStarted))
	assert.False(t, bus.HasHandlers(TypeTradeOpened))
}

func TestMetricsCountPublishedEvents(t *testing.T) {
	metrics := obs.NewMetrics()
	bus := NewBus(metrics)
	bus.Publish(context.Background(), NewApp(TypeAppStarted))
	bus.Publish(context.Background(), NewApp(TypeAppStarted))

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.EventCounts[string(TypeAppStarted)])
}

func TestConstructorRejectsWrongDomain(t *testing.T) {
	assert.Panics(t, func() { NewApp(TypeTradeOpened) })
	assert.Panics(t, func() { NewTrade(TypeAppStarted, "t", "p") })
}
