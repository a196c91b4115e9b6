package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/capital"
	"main/internal/event"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/pkg/exception"
	"main/pkg/ratelimit"
)

// machineControl is the slice of the strategy machine the executor
// drives.
type machineControl interface {
	TradeOpened(ctx context.Context, tradeID string) error
	TradeClosed(ctx context.Context) error
	SignalConsumed(ctx context.Context) error
}

// Executor turns armed signals into protected positions. The opening
// sequence is atomic in effect: either a position with a live stop
// exists afterwards, or no position remains and trade.failed was
// published.
type Executor struct {
	bus     *event.Bus
	conn    exchange.Connector
	limiter *ratelimit.Limiter
	capital capital.Manager
	ledger  *Ledger
	machine machineControl
	metrics *obs.Metrics

	pair       string
	leverage   int
	riskReward decimal.Decimal

	mu   sync.Mutex
	open map[string]model.TradeRecord
}

// Config wires an executor.
type Config struct {
	Bus        *event.Bus
	Connector  exchange.Connector
	Limiter    *ratelimit.Limiter
	Capital    capital.Manager
	Ledger     *Ledger
	Machine    machineControl
	Metrics    *obs.Metrics
	Pair       string
	Leverage   int
	RiskReward decimal.Decimal
}

// NewExecutor builds an executor for one pair.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Bus == nil || cfg.Connector == nil || cfg.Limiter == nil || cfg.Capital == nil {
		return nil, fmt.Errorf("trade: missing executor dependency")
	}
	if cfg.Leverage < 1 {
		return nil, fmt.Errorf("trade: leverage must be >= 1")
	}
	if !cfg.RiskReward.IsPositive() {
		return nil, fmt.Errorf("trade: risk reward must be > 0")
	}
	return &Executor{
		bus:        cfg.Bus,
		conn:       cfg.Connector,
		limiter:    cfg.Limiter,
		capital:    cfg.Capital,
		ledger:     cfg.Ledger,
		machine:    cfg.Machine,
		metrics:    cfg.Metrics,
		pair:       cfg.Pair,
		leverage:   cfg.Leverage,
		riskReward: cfg.RiskReward,
		open:       make(map[string]model.TradeRecord),
	}, nil
}

// Bind subscribes the executor to signals and protection hits.
func (x *Executor) Bind(bus *event.Bus) {
	bus.Subscribe(event.TypeStrategySignalLong, x.onSignal)
	bus.Subscribe(event.TypeStrategySignalShort, x.onSignal)
	bus.Subscribe(event.TypeTradeTPHit, x.onProtectionHit)
	bus.Subscribe(event.TypeTradeSLHit, x.onProtectionHit)
}

// OpenTrades returns the live trade records.
func (x *Executor) OpenTrades() []model.TradeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]model.TradeRecord, 0, len(x.open))
	for _, rec := range x.open {
		out = append(out, rec)
	}
	return out
}

// RestoreOpen reloads persisted trade records after a restart.
func (x *Executor) RestoreOpen(records []model.TradeRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, rec := range records {
		if rec.Status == enum.TradeStatusOpen {
			x.open[rec.ID] = rec
		}
	}
}

func (x *Executor) onSignal(ctx context.Context, e event.Event) error {
	ev, ok := e.(event.Strategy)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e, e.Type())
	}
	if ev.Pair != x.pair {
		return nil
	}

	sig := model.Signal{
		Strategy:    ev.Strategy,
		Pair:        ev.Pair,
		Direction:   ev.Direction,
		SignalPrice: ev.SignalPrice,
		StopLoss:    ev.StopLoss,
	}

	rec, err := x.Execute(ctx, sig)
	if err != nil {
		if x.machine != nil {
			if serr := x.machine.SignalConsumed(ctx); serr != nil {
				logs.Errorf("drop failed signal: %v", serr)
			}
		}
		return err
	}
	if x.machine != nil {
		if err := x.machine.TradeOpened(ctx, rec.ID); err != nil {
			logs.Errorf("machine rejected opened trade %s: %v", rec.ID, err)
		}
	}
	return nil
}

// Execute runs the full opening sequence for a signal.
func (x *Executor) Execute(ctx context.Context, sig model.Signal) (model.TradeRecord, error) {
	rec, err := x.execute(ctx, sig)
	if err != nil {
		x.metrics.IncTradeFailed()
		failed := event.NewTrade(event.TypeTradeFailed, "", sig.Pair)
		failed.Reason = err.Error()
		x.bus.Publish(ctx, failed)
		return model.TradeRecord{}, err
	}
	return rec, nil
}

func (x *Executor) execute(ctx context.Context, sig model.Signal) (model.TradeRecord, error) {
	if sig.Pair != x.pair {
		return model.TradeRecord{}, exception.ErrMismatchPair
	}
	if !sig.SignalPrice.IsPositive() || !sig.StopLoss.IsPositive() {
		return model.TradeRecord{}, fmt.Errorf("trade: signal and stop prices must be positive")
	}
	if !sig.Direction.IsAvailable() {
		return model.TradeRecord{}, fmt.Errorf("trade: unknown direction %q", sig.Direction)
	}

	rules, err := x.conn.Rules()
	if err != nil {
		return model.TradeRecord{}, yerrors.Wrap(err, "market rules")
	}

	balance, err := x.fetchBalance(ctx)
	if err != nil {
		return model.TradeRecord{}, yerrors.Wrap(err, "fetch balance")
	}

	qty, err := x.capital.PositionSize(balance, sig.SignalPrice, sig.StopLoss)
	if err != nil {
		return model.TradeRecord{}, yerrors.Wrap(err, "position size")
	}

	leverage := x.leverage
	if rules.MaxLeverage > 0 && leverage > rules.MaxLeverage {
		logs.Warnf("leverage %d capped to market maximum %d", leverage, rules.MaxLeverage)
		leverage = rules.MaxLeverage
	}

	check := exchange.ValidateOrder(rules, qty, sig.SignalPrice, leverage)
	if err := check.Err(); err != nil {
		return model.TradeRecord{}, err
	}
	qty = check.Quantity

	err = x.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		return x.conn.SetLeverage(ctx, leverage)
	})
	if err != nil {
		return model.TradeRecord{}, yerrors.Wrap(err, "set leverage")
	}

	entrySide := enum.OrderSideBuy
	if sig.Direction == enum.DirectionShort {
		entrySide = enum.OrderSideSell
	}
	entry, err := x.placeOrder(ctx, ratelimit.PriorityHigh, model.OrderRequest{
		Pair:     sig.Pair,
		Side:     entrySide,
		Type:     enum.OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		return model.TradeRecord{}, yerrors.Wrap(err, "entry order")
	}
	if entry.Status == enum.OrderStatusFailed || entry.Status == enum.OrderStatusCancelled {
		return model.TradeRecord{}, yerrors.Wrap(exception.ErrOrderFailed, "entry order").
			With("status", string(entry.Status))
	}

	entryPrice := entry.FilledPrice
	if !entryPrice.IsPositive() {
		logs.Warnf("entry fill price missing, falling back to signal price %s", sig.SignalPrice)
		entryPrice = sig.SignalPrice
	}

	stopLoss, takeProfit, err := protectionLevels(sig, entryPrice, x.riskReward, rules.TickSize)
	if err != nil {
		x.flatten(ctx, sig, qty)
		return model.TradeRecord{}, err
	}

	slOrder, err := x.placeStopLoss(ctx, sig, qty, stopLoss)
	if err != nil {
		x.flatten(ctx, sig, qty)
		return model.TradeRecord{}, yerrors.Wrap(err, "stop-loss order")
	}

	tpOrderID := x.placeTakeProfit(ctx, sig, qty, takeProfit)

	rec := model.TradeRecord{
		ID:            uuid.NewString(),
		Pair:          sig.Pair,
		Direction:     sig.Direction,
		EntryPrice:    entryPrice,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		Quantity:      qty,
		Leverage:      leverage,
		CapitalBefore: balance.Total,
		SLOrderID:     slOrder.ID,
		TPOrderID:     tpOrderID,
		Status:        enum.TradeStatusOpen,
		OpenedAt:      time.Now().UTC(),
	}

	x.mu.Lock()
	x.open[rec.ID] = rec
	x.mu.Unlock()
	x.metrics.IncTradeOpened()

	opened := event.NewTrade(event.TypeTradeOpened, rec.ID, rec.Pair)
	opened.CapitalBefore = balance.Total
	x.bus.Publish(ctx, opened)
	logs.Infof("opened %s %s qty=%s entry=%s sl=%s tp=%s",
		rec.Direction, rec.Pair, rec.Quantity, rec.EntryPrice, rec.StopLoss, rec.TakeProfit)
	return rec, nil
}

// protectionLevels recomputes the stop and target from the actual
// entry, preserving the signal's stop distance and the configured
// risk:reward. Prices snap to the tick, half up.
func protectionLevels(sig model.Signal, entryPrice, riskReward, tick decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	distance := sig.SignalPrice.Sub(sig.StopLoss).Abs()
	if distance.IsZero() {
		return decimal.Zero, decimal.Zero, exception.ErrZeroStopDistance
	}

	var stopLoss, takeProfit decimal.Decimal
	if sig.Direction == enum.DirectionLong {
		stopLoss = entryPrice.Sub(distance)
		takeProfit = entryPrice.Add(distance.Mul(riskReward))
	} else {
		stopLoss = entryPrice.Add(distance)
		takeProfit = entryPrice.Sub(distance.Mul(riskReward))
	}
	return exchange.RoundPrice(stopLoss, tick), exchange.RoundPrice(takeProfit, tick), nil
}

// placeStopLoss submits and verifies the protective stop. It runs at
// critical priority: the limiter may delay it but never abandon it.
func (x *Executor) placeStopLoss(ctx context.Context, sig model.Signal, qty, price decimal.Decimal) (model.OrderInfo, error) {
	order, err := x.placeOrder(ctx, ratelimit.PriorityCritical, model.OrderRequest{
		Pair:       sig.Pair,
		Side:       closeSide(sig.Direction),
		Type:       enum.OrderTypeStopLoss,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		return model.OrderInfo{}, err
	}
	if order.Status == enum.OrderStatusFailed || order.Status == enum.OrderStatusCancelled {
		return model.OrderInfo{}, yerrors.Wrap(exception.ErrOrderFailed, "stop order not live").
			With("status", string(order.Status))
	}
	return order, nil
}

// placeTakeProfit is best-effort: a missing target order degrades the
// trade, a missing stop would endanger it.
func (x *Executor) placeTakeProfit(ctx context.Context, sig model.Signal, qty, price decimal.Decimal) string {
	order, err := x.placeOrder(ctx, ratelimit.PriorityNormal, model.OrderRequest{
		Pair:       sig.Pair,
		Side:       closeSide(sig.Direction),
		Type:       enum.OrderTypeTakeProfit,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		logs.Warnf("take-profit order failed, trade remains stop-protected: %v", err)
		return ""
	}
	return order.ID
}

// flatten closes the freshly opened position after a failed protection
// step. A failed flatten leaves an unprotected position on the venue
// and is escalated as critical.
func (x *Executor) flatten(ctx context.Context, sig model.Signal, qty decimal.Decimal) {
	order, err := x.placeOrder(ctx, ratelimit.PriorityCritical, model.OrderRequest{
		Pair:       sig.Pair,
		Side:       closeSide(sig.Direction),
		Type:       enum.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err == nil && (order.Status == enum.OrderStatusFailed || order.Status == enum.OrderStatusCancelled) {
		err = yerrors.Wrap(exception.ErrOrderFailed, "close order rejected").
			With("status", string(order.Status))
	}
	if err != nil {
		logs.Errorf("emergency close failed, position unprotected: %v", err)
		x.bus.Publish(ctx, event.NewError(event.TypeErrorCritical, "trade-executor",
			fmt.Sprintf("failed to close unprotected %s position on %s: %v", sig.Direction, sig.Pair, err)))
	}
}

func (x *Executor) placeOrder(ctx context.Context, prio ratelimit.Priority, req model.OrderRequest) (model.OrderInfo, error) {
	var info model.OrderInfo
	start := time.Now()
	err := x.limiter.Execute(ctx, prio, func(ctx context.Context) error {
		var err error
		info, err = x.conn.PlaceOrder(ctx, req)
		return err
	})
	x.metrics.ObserveOrder(time.Since(start))
	return info, err
}

func (x *Executor) fetchBalance(ctx context.Context) (model.Balance, error) {
	var balance model.Balance
	err := x.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		balance, err = x.conn.FetchBalance(ctx)
		return err
	})
	return balance, err
}

func closeSide(direction enum.Direction) enum.OrderSide {
	if direction == enum.DirectionLong {
		return enum.OrderSideSell
	}
	return enum.OrderSideBuy
}
