package exchange

import (
	"context"
	"errors"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/event"
	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
	"main/pkg/ratelimit"
)

// Backoff shapes reconnect waits.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff doubles from two seconds up to the thirty second cap.
func DefaultBackoff() Backoff {
	return Backoff{Min: 2 * time.Second, Max: 30 * time.Second, Factor: 2.0}
}

// Next returns the wait before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 2 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			return max
		}
		wait = next
	}
	return wait
}

const defaultMaxReconnects = 5

// Resilient supervises a connector's candle stream: it detects closed
// candles, reconnects with backoff, and audits stop protection after
// every reconnect.
type Resilient struct {
	Connector

	bus         *event.Bus
	limiter     *ratelimit.Limiter
	backoff     Backoff
	maxAttempts int
	timeframe   string

	lastCandle model.Candle
	haveLast   bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewResilient wraps a connector for the given stream timeframe.
func NewResilient(inner Connector, bus *event.Bus, limiter *ratelimit.Limiter, timeframe string) *Resilient {
	return &Resilient{
		Connector:   inner,
		bus:         bus,
		limiter:     limiter,
		backoff:     DefaultBackoff(),
		maxAttempts: defaultMaxReconnects,
		timeframe:   timeframe,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect opens the session and announces it.
func (r *Resilient) Connect(ctx context.Context) error {
	if err := r.Connector.Connect(ctx); err != nil {
		return yerrors.Wrap(err, "connect")
	}
	r.bus.Publish(ctx, event.NewExchange(event.TypeExchangeConnected, ""))
	return nil
}

// Run consumes the candle stream until the context ends or the
// reconnect budget is spent. Authentication failures are terminal.
func (r *Resilient) Run(ctx context.Context) error {
	for {
		err := r.Connector.StreamCandles(ctx, r.timeframe, func(c model.Candle) {
			r.onUpdate(ctx, c)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logs.Warnf("candle stream down: %v", err)
		r.bus.Publish(ctx, event.NewExchange(event.TypeExchangeDisconnected, errText(err)))

		if errors.Is(err, exception.ErrExchangeAuth) {
			r.bus.Publish(ctx, event.NewError(event.TypeErrorCritical, "exchange-stream",
				"authentication rejected, trading halted: "+errText(err)))
			return err
		}
		if err := r.reconnect(ctx); err != nil {
			return err
		}
	}
}

// onUpdate publishes the previous candle once a newer bar appears.
func (r *Resilient) onUpdate(ctx context.Context, candle model.Candle) {
	if r.haveLast && candle.Timestamp != r.lastCandle.Timestamp {
		r.bus.Publish(ctx, event.NewCandle(r.Pair(), r.timeframe, r.lastCandle))
	}
	r.lastCandle = candle
	r.haveLast = true
}

// reconnect retries the session with doubling waits. Market rules are
// reloaded by Connect on every attempt.
func (r *Resilient) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		wait := r.backoff.Next(attempt)
		logs.Infof("reconnect attempt %d/%d in %s", attempt, r.maxAttempts, wait)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}

		if err := r.Connector.Connect(ctx); err != nil {
			if errors.Is(err, exception.ErrExchangeAuth) {
				r.bus.Publish(ctx, event.NewError(event.TypeErrorCritical, "exchange-stream",
					"authentication rejected during reconnect: "+errText(err)))
				return err
			}
			lastErr = err
			continue
		}

		if err := r.AuditProtection(ctx); err != nil {
			logs.Errorf("post-reconnect protection audit failed: %v", err)
		}
		r.bus.Publish(ctx, event.NewExchange(event.TypeExchangeReconnected, ""))
		return nil
	}
	r.bus.Publish(ctx, event.NewError(event.TypeErrorCritical, "exchange-stream",
		"reconnect attempts exhausted, trading halted: "+errText(lastErr)))
	return yerrors.Wrap(lastErr, "reconnect attempts exhausted").With("attempts", r.maxAttempts)
}

// AuditProtection raises a critical alert for every open position
// without a live stop order. It never places or cancels orders.
func (r *Resilient) AuditProtection(ctx context.Context) error {
	var positions []model.Position
	err := r.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		positions, err = r.Connector.FetchPositions(ctx)
		return err
	})
	if err != nil {
		return yerrors.Wrap(err, "fetch positions")
	}
	if len(positions) == 0 {
		return nil
	}

	var orders []model.OrderInfo
	err = r.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		orders, err = r.Connector.FetchOpenOrders(ctx)
		return err
	})
	if err != nil {
		return yerrors.Wrap(err, "fetch open orders")
	}

	for _, pos := range positions {
		if !HasStopProtection(pos, orders) {
			logs.Errorf("position %s %s has no live stop order", pos.Pair, pos.Direction)
			r.bus.Publish(ctx, event.NewError(event.TypeErrorCritical, "protection-audit",
				"open position without stop protection: "+pos.Pair))
		}
	}
	return nil
}

// HasStopProtection reports whether a live stop order on the closing
// side covers the position. A same-side stop left over from a
// direction flip does not count.
func HasStopProtection(pos model.Position, orders []model.OrderInfo) bool {
	closing := enum.OrderSideSell
	if pos.Direction == enum.DirectionShort {
		closing = enum.OrderSideBuy
	}
	for _, o := range orders {
		if o.Pair == pos.Pair && o.Side == closing && o.Type == enum.OrderTypeStopLoss && o.Status.IsLive() {
			return true
		}
	}
	return false
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
