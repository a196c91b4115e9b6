package capital

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/pkg/exception"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func balanceOf(total string) model.Balance {
	return model.Balance{Currency: "USDT", Total: d(total), Free: d(total)}
}

func stepRules() model.MarketRules {
	return model.MarketRules{StepSize: d("0.001"), TickSize: d("0.1")}
}

func resultWithPnL(pnl string) model.TradeResult {
	return model.TradeResult{PnL: d(pnl)}
}

func TestFixedPercentSize(t *testing.T) {
	m, err := New(Config{Mode: "fixed_percent", RiskPercent: d("2")}, stepRules())
	require.NoError(t, err)

	// 2% of 10000 = 200 risked over a 50 USDT stop distance.
	qty, err := m.PositionSize(balanceOf("10000"), d("1050"), d("1000"))
	require.NoError(t, err)
	assert.Equal(t, "4", qty.String())
}

func TestFixedPercentRoundsDownToStep(t *testing.T) {
	m, err := New(Config{RiskPercent: d("1")}, stepRules())
	require.NoError(t, err)

	qty, err := m.PositionSize(balanceOf("1000"), d("103"), d("100"))
	require.NoError(t, err)
	// 10 / 3 = 3.333... snapped down to the 0.001 step.
	assert.Equal(t, "3.333", qty.String())
}

func TestFixedPercentZeroDistance(t *testing.T) {
	m, err := New(Config{RiskPercent: d("2")}, stepRules())
	require.NoError(t, err)

	_, err = m.PositionSize(balanceOf("1000"), d("100"), d("100"))
	require.ErrorIs(t, err, exception.ErrZeroStopDistance)
}

func TestFixedPercentZeroQuantity(t *testing.T) {
	m, err := New(Config{RiskPercent: d("0.001")}, stepRules())
	require.NoError(t, err)

	_, err = m.PositionSize(balanceOf("1"), d("10000"), d("5000"))
	require.ErrorIs(t, err, exception.ErrZeroQuantity)
}

func TestMartingaleScalesOnLossStreak(t *testing.T) {
	m, err := New(Config{Mode: "martingale", RiskPercent: d("1"), Factor: d("2"), MaxSteps: 3}, stepRules())
	require.NoError(t, err)

	size := func() string {
		qty, err := m.PositionSize(balanceOf("10000"), d("110"), d("100"))
		require.NoError(t, err)
		return qty.String()
	}

	assert.Equal(t, "10", size())

	m.RecordResult(resultWithPnL("-5"))
	assert.Equal(t, "20", size())

	m.RecordResult(resultWithPnL("-5"))
	assert.Equal(t, "40", size())

	// A win resets the streak.
	m.RecordResult(resultWithPnL("3"))
	assert.Equal(t, "10", size())
}

func TestMartingaleStreakCapped(t *testing.T) {
	m, err := New(Config{Mode: "martingale", RiskPercent: d("1"), Factor: d("2"), MaxSteps: 2}, stepRules())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.RecordResult(resultWithPnL("-1"))
	}
	qty, err := m.PositionSize(balanceOf("10000"), d("110"), d("100"))
	require.NoError(t, err)
	// factor^maxSteps despite five straight losses.
	assert.Equal(t, "40", qty.String())
}

func TestAntiMartingaleScalesOnWins(t *testing.T) {
	m, err := New(Config{Mode: "anti_martingale", RiskPercent: d("1"), Factor: d("2"), MaxSteps: 3}, stepRules())
	require.NoError(t, err)

	m.RecordResult(resultWithPnL("5"))
	m.RecordResult(resultWithPnL("5"))
	qty, err := m.PositionSize(balanceOf("10000"), d("110"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "40", qty.String())

	m.RecordResult(resultWithPnL("-1"))
	qty, err = m.PositionSize(balanceOf("10000"), d("110"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "10", qty.String())
}

func TestBreakevenResetsStreak(t *testing.T) {
	m, err := New(Config{Mode: "martingale", RiskPercent: d("1"), Factor: d("2"), MaxSteps: 3}, stepRules())
	require.NoError(t, err)

	m.RecordResult(resultWithPnL("-1"))
	m.RecordResult(resultWithPnL("0"))
	qty, err := m.PositionSize(balanceOf("10000"), d("110"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "10", qty.String())
}

func TestFactoryValidation(t *testing.T) {
	_, err := New(Config{Mode: "fixed_percent"}, stepRules())
	require.Error(t, err)

	_, err = New(Config{Mode: "martingale", RiskPercent: d("1"), Factor: d("1")}, stepRules())
	require.Error(t, err)

	_, err = New(Config{Mode: "martingale", RiskPercent: d("1"), Factor: d("2")}, stepRules())
	require.Error(t, err)

	_, err = New(Config{Mode: "kelly", RiskPercent: d("1")}, stepRules())
	require.Error(t, err)
}
