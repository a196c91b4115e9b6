package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"main/internal/indicator"
	"main/internal/model"
	"main/internal/model/enum"
)

// ConditionConfig is the declarative form of one condition.
type ConditionConfig struct {
	Kind          string          `json:"kind"`
	Period        int             `json:"period"`
	Threshold     decimal.Decimal `json:"threshold"`
	MaxGapCandles int             `json:"maxGapCandles"`
}

// ConditionBuilder constructs a condition from its config.
type ConditionBuilder func(cfg ConditionConfig) (Condition, error)

// builders maps condition kinds explicitly. New kinds register here.
var builders = map[string]ConditionBuilder{
	"rsi_below":   newRSIBelow,
	"rsi_above":   newRSIAbove,
	"close_above": newCloseAbove,
	"close_below": newCloseBelow,
}

// BuildConditions resolves a config list into runnable conditions.
func BuildConditions(cfgs []ConditionConfig) ([]Condition, error) {
	out := make([]Condition, 0, len(cfgs))
	for i, cfg := range cfgs {
		build, ok := builders[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown condition kind %q at index %d", cfg.Kind, i)
		}
		cond, err := build(cfg)
		if err != nil {
			return nil, fmt.Errorf("condition %d (%s): %w", i, cfg.Kind, err)
		}
		out = append(out, cond)
	}
	return out, nil
}

type rsiCondition struct {
	period    int
	threshold decimal.Decimal
	below     bool
	maxGap    int
}

func newRSIBelow(cfg ConditionConfig) (Condition, error) {
	return newRSI(cfg, true)
}

func newRSIAbove(cfg ConditionConfig) (Condition, error) {
	return newRSI(cfg, false)
}

func newRSI(cfg ConditionConfig, below bool) (Condition, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("period must be > 0")
	}
	return &rsiCondition{period: cfg.Period, threshold: cfg.Threshold, below: below, maxGap: cfg.MaxGapCandles}, nil
}

func (c *rsiCondition) Evaluate(history []model.Candle) bool {
	closes := make([]decimal.Decimal, len(history))
	for i, candle := range history {
		closes[i] = candle.Close
	}
	value, ok := indicator.RSI(closes, c.period)
	if !ok {
		return false
	}
	if c.below {
		return value.LessThan(c.threshold)
	}
	return value.GreaterThan(c.threshold)
}

func (c *rsiCondition) MaxGapCandles() int { return c.maxGap }

type closeCondition struct {
	threshold decimal.Decimal
	above     bool
	maxGap    int
}

func newCloseAbove(cfg ConditionConfig) (Condition, error) {
	return &closeCondition{threshold: cfg.Threshold, above: true, maxGap: cfg.MaxGapCandles}, nil
}

func newCloseBelow(cfg ConditionConfig) (Condition, error) {
	return &closeCondition{threshold: cfg.Threshold, above: false, maxGap: cfg.MaxGapCandles}, nil
}

func (c *closeCondition) Evaluate(history []model.Candle) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1].Close
	if c.above {
		return last.GreaterThan(c.threshold)
	}
	return last.LessThan(c.threshold)
}

func (c *closeCondition) MaxGapCandles() int { return c.maxGap }

// SwingSignal derives the trade intent from the last close, placing
// the stop at the lowest low of the lookback window for longs and the
// highest high for shorts.
func SwingSignal(direction enum.Direction, lookback int) SignalFunc {
	return func(history []model.Candle) (enum.Direction, decimal.Decimal, decimal.Decimal) {
		last := history[len(history)-1].Close
		n := lookback
		if n <= 0 || n > len(history) {
			n = len(history)
		}
		window := history[len(history)-n:]
		if direction == enum.DirectionLong {
			low := window[0].Low
			for _, c := range window[1:] {
				if c.Low.LessThan(low) {
					low = c.Low
				}
			}
			return direction, last, low
		}
		high := window[0].High
		for _, c := range window[1:] {
			if c.High.GreaterThan(high) {
				high = c.High
			}
		}
		return direction, last, high
	}
}
