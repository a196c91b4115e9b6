package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"main/internal/model"
)

// RoundPrice snaps a price to the tick size, half up.
func RoundPrice(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.DivRound(tick, 0).Mul(tick)
}

// RoundQuantity snaps a quantity down to the step size. Rounding up
// could exceed the intended risk, so the remainder is dropped.
func RoundQuantity(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// ValidationResult is the outcome of pre-submission order checks.
type ValidationResult struct {
	Valid    bool
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal
	Problems []string
}

// Err folds the problems into a single error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("order rejected: %s", strings.Join(r.Problems, "; "))
}

// ValidateOrder rounds the order to the market increments and checks
// it against the venue constraints.
func ValidateOrder(rules model.MarketRules, qty, price decimal.Decimal, leverage int) ValidationResult {
	r := ValidationResult{Quantity: qty, Price: price}

	if !qty.IsPositive() {
		r.Problems = append(r.Problems, "quantity must be positive")
	}
	if !price.IsPositive() {
		r.Problems = append(r.Problems, "price must be positive")
	}
	if len(r.Problems) > 0 {
		return r
	}

	r.Quantity = RoundQuantity(qty, rules.StepSize)
	r.Price = RoundPrice(price, rules.TickSize)
	if !r.Quantity.IsPositive() {
		r.Problems = append(r.Problems, fmt.Sprintf("quantity %s rounds to zero at step %s", qty, rules.StepSize))
		return r
	}

	r.Notional = r.Quantity.Mul(r.Price)
	if rules.MinNotional.IsPositive() && r.Notional.LessThan(rules.MinNotional) {
		r.Problems = append(r.Problems, fmt.Sprintf("notional %s below minimum %s", r.Notional, rules.MinNotional))
	}
	if leverage < 1 {
		r.Problems = append(r.Problems, "leverage must be >= 1")
	} else if rules.MaxLeverage > 0 && leverage > rules.MaxLeverage {
		r.Problems = append(r.Problems, fmt.Sprintf("leverage %d above maximum %d", leverage, rules.MaxLeverage))
	}

	r.Valid = len(r.Problems) == 0
	return r
}
