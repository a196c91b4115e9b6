package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/event"
	"main/internal/model"
	"main/internal/model/enum"
)

var ErrInvalidTransition = errors.New("strategy: invalid phase transition")

// TransitionError reports a rejected phase transition. The machine
// state is unchanged when it is returned.
type TransitionError struct {
	Op      string
	From    enum.Phase
	Allowed []enum.Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("strategy: cannot %s from %s, allowed: %v", e.Op, e.From, e.Allowed)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Machine tracks one strategy through its signal lifecycle and emits
// the matching strategy events.
type Machine struct {
	name string
	pair string
	bus  *event.Bus

	phase               enum.Phase
	conditionsMet       []int
	lastConditionCandle int
	tradeID             string
}

// NewMachine creates a machine in the idle phase.
func NewMachine(bus *event.Bus, name, pair string) *Machine {
	return &Machine{
		name:                name,
		pair:                pair,
		bus:                 bus,
		phase:               enum.PhaseIdle,
		lastConditionCandle: -1,
	}
}

func (m *Machine) Name() string           { return m.name }
func (m *Machine) Phase() enum.Phase      { return m.phase }
func (m *Machine) ConditionsMet() []int   { return append([]int(nil), m.conditionsMet...) }
func (m *Machine) CurrentTradeID() string { return m.tradeID }

// LastConditionCandle returns the candle index of the most recent
// condition hit, or -1.
func (m *Machine) LastConditionCandle() int { return m.lastConditionCandle }

// ConditionMet records one satisfied condition. A duplicate index is
// a warning, not an error. candleIndex below zero leaves the recorded
// index untouched.
func (m *Machine) ConditionMet(ctx context.Context, index, candleIndex int) error {
	if m.phase != enum.PhaseIdle && m.phase != enum.PhaseWatching {
		return &TransitionError{Op: "record a condition", From: m.phase, Allowed: []enum.Phase{enum.PhaseIdle, enum.PhaseWatching}}
	}
	for _, met := range m.conditionsMet {
		if met == index {
			logs.Warnf("strategy %s: condition %d already met, ignoring", m.name, index)
			return nil
		}
	}

	m.phase = enum.PhaseWatching
	m.conditionsMet = append(m.conditionsMet, index)
	if candleIndex >= 0 {
		m.lastConditionCandle = candleIndex
	}

	e := event.NewStrategy(event.TypeStrategyConditionMet, m.name, m.pair)
	e.ConditionIndex = index
	m.bus.Publish(ctx, e)
	return nil
}

// AllConditionsMet arms the signal and emits signal_long or
// signal_short.
func (m *Machine) AllConditionsMet(ctx context.Context, direction enum.Direction, signalPrice, stopLoss decimal.Decimal) error {
	if m.phase != enum.PhaseWatching {
		return &TransitionError{Op: "arm a signal", From: m.phase, Allowed: []enum.Phase{enum.PhaseWatching}}
	}
	if !direction.IsAvailable() {
		return fmt.Errorf("strategy: unknown direction %q", direction)
	}

	m.phase = enum.PhaseSignalReady

	t := event.TypeStrategySignalLong
	if direction == enum.DirectionShort {
		t = event.TypeStrategySignalShort
	}
	e := event.NewStrategy(t, m.name, m.pair)
	e.Direction = direction
	e.SignalPrice = signalPrice
	e.StopLoss = stopLoss
	m.bus.Publish(ctx, e)
	return nil
}

// TradeOpened moves the machine into the in-trade phase.
func (m *Machine) TradeOpened(ctx context.Context, tradeID string) error {
	if m.phase != enum.PhaseSignalReady {
		return &TransitionError{Op: "open a trade", From: m.phase, Allowed: []enum.Phase{enum.PhaseSignalReady}}
	}
	m.phase = enum.PhaseInTrade
	m.tradeID = tradeID
	return nil
}

// TradeClosed resets the machine to idle after a settled trade.
func (m *Machine) TradeClosed(ctx context.Context) error {
	if m.phase != enum.PhaseInTrade {
		return &TransitionError{Op: "close a trade", From: m.phase, Allowed: []enum.Phase{enum.PhaseInTrade}}
	}
	m.reset()
	return nil
}

// Timeout abandons a partially-met condition sequence.
func (m *Machine) Timeout(ctx context.Context) error {
	if m.phase != enum.PhaseWatching {
		return &TransitionError{Op: "time out", From: m.phase, Allowed: []enum.Phase{enum.PhaseWatching}}
	}
	m.reset()
	m.bus.Publish(ctx, event.NewStrategy(event.TypeStrategyTimeout, m.name, m.pair))
	return nil
}

// SignalConsumed drops an armed signal that could not be executed.
func (m *Machine) SignalConsumed(ctx context.Context) error {
	if m.phase != enum.PhaseSignalReady {
		return &TransitionError{Op: "consume a signal", From: m.phase, Allowed: []enum.Phase{enum.PhaseSignalReady}}
	}
	m.reset()
	return nil
}

func (m *Machine) reset() {
	m.phase = enum.PhaseIdle
	m.conditionsMet = nil
	m.lastConditionCandle = -1
	m.tradeID = ""
}

// Snapshot returns the persistable machine state.
func (m *Machine) Snapshot() model.StrategyState {
	return model.StrategyState{
		Phase:               m.phase,
		ConditionsMet:       append([]int(nil), m.conditionsMet...),
		LastConditionCandle: m.lastConditionCandle,
		CurrentTradeID:      m.tradeID,
		UpdatedAt:           time.Now().UTC(),
	}
}

// Restore loads a previously persisted machine state.
func (m *Machine) Restore(st model.StrategyState) {
	if !st.Phase.IsAvailable() {
		logs.Warnf("strategy %s: ignoring snapshot with unknown phase %q", m.name, st.Phase)
		return
	}
	m.phase = st.Phase
	m.conditionsMet = append([]int(nil), st.ConditionsMet...)
	m.lastConditionCandle = st.LastConditionCandle
	m.tradeID = st.CurrentTradeID
}
