package capital

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/model"
)

// Martingale scales the risked share by factor^streak. The martingale
// mode advances the streak on losses, the anti mode on wins; the
// opposite outcome or a breakeven trade resets it.
type Martingale struct {
	base     FixedPercent
	factor   decimal.Decimal
	maxSteps int
	onLoss   bool

	streak int
}

func (m *Martingale) PositionSize(balance model.Balance, entry, stopLoss decimal.Decimal) (decimal.Decimal, error) {
	return m.base.sizeAt(m.effectiveRisk(), balance, entry, stopLoss)
}

func (m *Martingale) RecordResult(result model.TradeResult) {
	if result.PnL.IsZero() {
		m.streak = 0
		return
	}
	trigger := result.PnL.IsNegative()
	if !m.onLoss {
		trigger = result.PnL.IsPositive()
	}
	if trigger {
		m.streak++
		logs.Debugf("capital: streak advanced to %d", m.streak)
		return
	}
	m.streak = 0
}

// Streak returns the current consecutive trigger count.
func (m *Martingale) Streak() int { return m.streak }

func (m *Martingale) effectiveRisk() decimal.Decimal {
	steps := m.streak
	if steps > m.maxSteps {
		steps = m.maxSteps
	}
	risk := m.base.risk
	for i := 0; i < steps; i++ {
		risk = risk.Mul(m.factor)
	}
	return risk
}
