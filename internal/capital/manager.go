package capital

import (
	"fmt"

	"github.com/shopspring/decimal"

	"main/internal/model"
)

// Manager sizes positions from the current balance and records
// settled trades so streak-based modes can adjust.
type Manager interface {
	// PositionSize returns the order quantity for a signal given the
	// account balance and the distance between entry and stop.
	PositionSize(balance model.Balance, entry, stopLoss decimal.Decimal) (decimal.Decimal, error)
	// RecordResult feeds a settled trade back into the manager.
	RecordResult(result model.TradeResult)
}

// Config selects and tunes a manager.
type Config struct {
	Mode        string          `json:"mode"`
	RiskPercent decimal.Decimal `json:"riskPercent"`
	Factor      decimal.Decimal `json:"factor"`
	MaxSteps    int             `json:"maxSteps"`
}

// New builds a manager by mode. Quantities are snapped down to the
// market step size.
func New(cfg Config, rules model.MarketRules) (Manager, error) {
	if !cfg.RiskPercent.IsPositive() {
		return nil, fmt.Errorf("capital: risk percent must be > 0")
	}
	switch cfg.Mode {
	case "", "fixed_percent":
		return &FixedPercent{risk: cfg.RiskPercent, step: rules.StepSize}, nil
	case "martingale", "anti_martingale":
		if !cfg.Factor.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("capital: %s factor must be > 1", cfg.Mode)
		}
		if cfg.MaxSteps < 1 {
			return nil, fmt.Errorf("capital: %s max steps must be >= 1", cfg.Mode)
		}
		return &Martingale{
			base:     FixedPercent{risk: cfg.RiskPercent, step: rules.StepSize},
			factor:   cfg.Factor,
			maxSteps: cfg.MaxSteps,
			onLoss:   cfg.Mode == "martingale",
		}, nil
	default:
		return nil, fmt.Errorf("capital: unknown mode %q", cfg.Mode)
	}
}
