package backtest

import (
	"context"

	"github.com/yanun0323/logs"

	"main/internal/event"
	"main/internal/model"
)

// Replay republishes historical candles as candle.closed events. The
// strategy and simulator react to them exactly as they would live.
type Replay struct {
	bus       *event.Bus
	pair      string
	timeframe string
}

func NewReplay(bus *event.Bus, pair, timeframe string) *Replay {
	return &Replay{bus: bus, pair: pair, timeframe: timeframe}
}

// Run publishes the candles in order. Publication is synchronous, so
// every handler has finished with candle N before N+1 goes out.
func (r *Replay) Run(ctx context.Context, candles []model.Candle) error {
	logs.Infof("replay started, %d candles for %s %s", len(candles), r.pair, r.timeframe)
	for _, candle := range candles {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.bus.Publish(ctx, event.NewCandle(r.pair, r.timeframe, candle))
	}
	logs.Infof("replay finished, %d candles", len(candles))
	return nil
}
