package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/event"
	"main/internal/model"
	"main/internal/model/enum"
)

// historyLimit bounds the candle window kept for evaluation.
const historyLimit = 500

// Condition is one step of a sequential entry setup.
type Condition interface {
	// Evaluate inspects the candle history, newest last.
	Evaluate(history []model.Candle) bool
	// MaxGapCandles is the per-condition gap budget. Zero falls back
	// to the strategy timeout.
	MaxGapCandles() int
}

// SignalFunc derives the trade intent once every condition has fired.
type SignalFunc func(history []model.Candle) (enum.Direction, decimal.Decimal, decimal.Decimal)

// Strategy feeds closed candles through an ordered condition list and
// arms the machine when the full sequence completes.
type Strategy struct {
	machine        *Machine
	conditions     []Condition
	signal         SignalFunc
	timeoutCandles int

	candleCount int
	history     []model.Candle
}

// New builds a strategy over the given machine.
func New(machine *Machine, conditions []Condition, signal SignalFunc, timeoutCandles int) (*Strategy, error) {
	if machine == nil {
		return nil, errors.New("strategy: nil machine")
	}
	if len(conditions) == 0 {
		return nil, errors.New("strategy: empty condition list")
	}
	if signal == nil {
		return nil, errors.New("strategy: nil signal func")
	}
	return &Strategy{
		machine:        machine,
		conditions:     conditions,
		signal:         signal,
		timeoutCandles: timeoutCandles,
	}, nil
}

// Bind subscribes the strategy to closed candles.
func (s *Strategy) Bind(bus *event.Bus) func() {
	return bus.Subscribe(event.TypeCandleClosed, s.onCandle)
}

// CandleCount returns the number of candles seen since start.
func (s *Strategy) CandleCount() int { return s.candleCount }

func (s *Strategy) onCandle(ctx context.Context, e event.Event) error {
	ce, ok := e.(event.Candle)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e, e.Type())
	}
	if ce.Pair != s.machine.pair {
		return nil
	}

	s.candleCount++
	s.history = append(s.history, ce.Candle)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}

	switch s.machine.Phase() {
	case enum.PhaseSignalReady, enum.PhaseInTrade:
		return nil
	}

	if s.gapExceeded() {
		logs.Infof("strategy %s: condition gap exceeded, resetting", s.machine.Name())
		return s.machine.Timeout(ctx)
	}

	next := len(s.machine.ConditionsMet())
	if next >= len(s.conditions) {
		return nil
	}
	if !s.conditions[next].Evaluate(s.history) {
		return nil
	}
	if err := s.machine.ConditionMet(ctx, next, s.candleCount); err != nil {
		return err
	}

	if len(s.machine.ConditionsMet()) == len(s.conditions) {
		direction, signalPrice, stopLoss := s.signal(s.history)
		return s.machine.AllConditionsMet(ctx, direction, signalPrice, stopLoss)
	}
	return nil
}

// gapExceeded checks the candle gap since the last condition hit
// against the pending condition's budget.
func (s *Strategy) gapExceeded() bool {
	met := s.machine.ConditionsMet()
	if len(met) == 0 || len(met) >= len(s.conditions) {
		return false
	}
	last := s.machine.LastConditionCandle()
	if last < 0 {
		return false
	}
	budget := s.conditions[len(met)].MaxGapCandles()
	if budget <= 0 {
		budget = s.timeoutCandles
	}
	if budget <= 0 {
		return false
	}
	return s.candleCount-last > budget
}
