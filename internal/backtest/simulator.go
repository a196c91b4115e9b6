package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/capital"
	"main/internal/event"
	"main/internal/model"
	"main/internal/model/enum"
)

// feeRate is the taker fee charged per side.
var feeRate = decimal.RequireFromString("0.001")

// machineControl mirrors the strategy machine transitions the
// simulator drives, so the strategy re-arms after each fill.
type machineControl interface {
	TradeOpened(ctx context.Context, tradeID string) error
	TradeClosed(ctx context.Context) error
}

// Simulator stands in for the live executor during a replay. Signals
// open paper trades at the signal price, every closed candle is
// checked against the stop and target, and fills pay the taker fee on
// both sides. When both levels sit inside one candle the stop wins.
type Simulator struct {
	bus        *event.Bus
	capital    capital.Manager
	machine    machineControl
	pair       string
	leverage   int
	riskReward decimal.Decimal

	mu      sync.Mutex
	balance decimal.Decimal
	open    *model.TradeRecord
	closed  []model.TradeResult
}

// SimulatorConfig wires a simulator.
type SimulatorConfig struct {
	Bus            *event.Bus
	Capital        capital.Manager
	Machine        machineControl
	Pair           string
	Leverage       int
	RiskReward     decimal.Decimal
	InitialCapital decimal.Decimal
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Bus == nil || cfg.Capital == nil {
		return nil, fmt.Errorf("backtest: missing simulator dependency")
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("backtest: initial capital must be > 0")
	}
	if !cfg.RiskReward.IsPositive() {
		return nil, fmt.Errorf("backtest: risk reward must be > 0")
	}
	return &Simulator{
		bus:        cfg.Bus,
		capital:    cfg.Capital,
		machine:    cfg.Machine,
		pair:       cfg.Pair,
		leverage:   cfg.Leverage,
		riskReward: cfg.RiskReward,
		balance:    cfg.InitialCapital,
	}, nil
}

// Bind subscribes the simulator to signals and candles.
func (s *Simulator) Bind(bus *event.Bus) {
	bus.Subscribe(event.TypeStrategySignalLong, s.onSignal)
	bus.Subscribe(event.TypeStrategySignalShort, s.onSignal)
	bus.Subscribe(event.TypeCandleClosed, s.onCandle)
}

// ClosedTrades returns the settled trades in close order.
func (s *Simulator) ClosedTrades() []model.TradeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TradeResult, len(s.closed))
	copy(out, s.closed)
	return out
}

// Balance returns the current simulated capital.
func (s *Simulator) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

func (s *Simulator) onSignal(ctx context.Context, e event.Event) error {
	ev, ok := e.(event.Strategy)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e, e.Type())
	}
	if ev.Pair != s.pair {
		return nil
	}

	s.mu.Lock()
	if s.open != nil {
		s.mu.Unlock()
		logs.Warnf("signal ignored, simulated trade already open on %s", ev.Pair)
		return nil
	}
	balance := s.balance
	s.mu.Unlock()

	qty, err := s.capital.PositionSize(model.Balance{Currency: "USDT", Total: balance, Free: balance},
		ev.SignalPrice, ev.StopLoss)
	if err != nil {
		return fmt.Errorf("size simulated trade: %w", err)
	}

	distance := ev.SignalPrice.Sub(ev.StopLoss).Abs()
	takeProfit := ev.SignalPrice.Add(distance.Mul(s.riskReward))
	if ev.Direction == enum.DirectionShort {
		takeProfit = ev.SignalPrice.Sub(distance.Mul(s.riskReward))
	}

	rec := model.TradeRecord{
		ID:            uuid.NewString(),
		Pair:          ev.Pair,
		Direction:     ev.Direction,
		EntryPrice:    ev.SignalPrice,
		StopLoss:      ev.StopLoss,
		TakeProfit:    takeProfit,
		Quantity:      qty,
		Leverage:      s.leverage,
		CapitalBefore: balance,
		Status:        enum.TradeStatusOpen,
		OpenedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.open = &rec
	s.mu.Unlock()

	if s.machine != nil {
		if err := s.machine.TradeOpened(ctx, rec.ID); err != nil {
			logs.Errorf("machine rejected simulated trade %s: %v", rec.ID, err)
		}
	}
	opened := event.NewTrade(event.TypeTradeOpened, rec.ID, rec.Pair)
	opened.CapitalBefore = balance
	s.bus.Publish(ctx, opened)
	logs.Infof("simulated %s open entry=%s sl=%s tp=%s qty=%s",
		rec.Direction, rec.EntryPrice, rec.StopLoss, rec.TakeProfit, rec.Quantity)
	return nil
}

func (s *Simulator) onCandle(ctx context.Context, e event.Event) error {
	ev, ok := e.(event.Candle)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e, e.Type())
	}

	s.mu.Lock()
	rec := s.open
	s.mu.Unlock()
	if rec == nil || ev.Pair != rec.Pair {
		return nil
	}

	var slHit, tpHit bool
	if rec.Direction == enum.DirectionLong {
		slHit = ev.Candle.Low.LessThanOrEqual(rec.StopLoss)
		tpHit = ev.Candle.High.GreaterThanOrEqual(rec.TakeProfit)
	} else {
		slHit = ev.Candle.High.GreaterThanOrEqual(rec.StopLoss)
		tpHit = ev.Candle.Low.LessThanOrEqual(rec.TakeProfit)
	}

	switch {
	case slHit:
		s.closeTrade(ctx, *rec, rec.StopLoss, event.TypeTradeSLHit)
	case tpHit:
		s.closeTrade(ctx, *rec, rec.TakeProfit, event.TypeTradeTPHit)
	}
	return nil
}

func (s *Simulator) closeTrade(ctx context.Context, rec model.TradeRecord, exitPrice decimal.Decimal, hit event.Type) {
	entryFee := rec.EntryPrice.Mul(rec.Quantity).Mul(feeRate)
	exitFee := exitPrice.Mul(rec.Quantity).Mul(feeRate)

	grossPnL := exitPrice.Sub(rec.EntryPrice).Mul(rec.Quantity)
	if rec.Direction == enum.DirectionShort {
		grossPnL = grossPnL.Neg()
	}
	netPnL := grossPnL.Sub(entryFee).Sub(exitFee)

	s.mu.Lock()
	s.balance = rec.CapitalBefore.Add(netPnL)
	balance := s.balance
	rec.Status = enum.TradeStatusClosed
	result := model.TradeResult{
		TradeRecord:  rec,
		ExitPrice:    exitPrice,
		PnL:          netPnL,
		CapitalAfter: balance,
		ClosedAt:     time.Now().UTC(),
	}
	result.Duration = result.ClosedAt.Sub(rec.OpenedAt)
	s.closed = append(s.closed, result)
	s.open = nil
	s.mu.Unlock()

	s.capital.RecordResult(result)
	if s.machine != nil {
		if err := s.machine.TradeClosed(ctx); err != nil {
			logs.Errorf("machine rejected simulated close %s: %v", rec.ID, err)
		}
	}

	hitEvent := event.NewTrade(hit, rec.ID, rec.Pair)
	hitEvent.ExitPrice = exitPrice
	hitEvent.PnL = netPnL
	s.bus.Publish(ctx, hitEvent)

	closed := event.NewTrade(event.TypeTradeClosed, rec.ID, rec.Pair)
	closed.ExitPrice = exitPrice
	closed.PnL = netPnL
	closed.CapitalBefore = rec.CapitalBefore
	closed.CapitalAfter = balance
	closed.Reason = string(hit)
	s.bus.Publish(ctx, closed)
	logs.Infof("simulated close pnl=%s balance=%s", netPnL, balance)
}
