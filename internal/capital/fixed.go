package capital

import (
	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/pkg/exception"
)

var oneHundred = decimal.NewFromInt(100)

// FixedPercent risks a fixed share of the balance per trade. The
// quantity is the risked amount divided by the stop distance.
type FixedPercent struct {
	risk decimal.Decimal
	step decimal.Decimal
}

// NewFixedPercent builds a fixed-percent sizer.
func NewFixedPercent(riskPercent, step decimal.Decimal) *FixedPercent {
	return &FixedPercent{risk: riskPercent, step: step}
}

func (f *FixedPercent) PositionSize(balance model.Balance, entry, stopLoss decimal.Decimal) (decimal.Decimal, error) {
	return f.sizeAt(f.risk, balance, entry, stopLoss)
}

func (f *FixedPercent) RecordResult(model.TradeResult) {}

func (f *FixedPercent) sizeAt(risk decimal.Decimal, balance model.Balance, entry, stopLoss decimal.Decimal) (decimal.Decimal, error) {
	distance := entry.Sub(stopLoss).Abs()
	if distance.IsZero() {
		return decimal.Zero, exception.ErrZeroStopDistance
	}

	riskAmount := balance.Total.Mul(risk).Div(oneHundred)
	qty := riskAmount.Div(distance)
	if f.step.IsPositive() {
		qty = qty.Div(f.step).Floor().Mul(f.step)
	}
	if !qty.IsPositive() {
		return decimal.Zero, exception.ErrZeroQuantity
	}
	return qty, nil
}
