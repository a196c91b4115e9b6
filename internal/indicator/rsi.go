package indicator

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)
	fifty   = decimal.NewFromInt(50)
)

// RSI computes the Wilder relative strength index over the closing
// prices. It returns ok=false until period+1 closes are available.
// A flat market reads 50 and a loss-free window reads 100.
func RSI(closes []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(closes) < period+1 {
		return decimal.Zero, false
	}

	periodDec := decimal.NewFromInt(int64(period))
	avgGain := decimal.Zero
	avgLoss := decimal.Zero

	// Seed with a simple average over the first period changes.
	for i := 1; i <= period; i++ {
		change := closes[i].Sub(closes[i-1])
		if change.IsPositive() {
			avgGain = avgGain.Add(change)
		} else {
			avgLoss = avgLoss.Add(change.Neg())
		}
	}
	avgGain = avgGain.Div(periodDec)
	avgLoss = avgLoss.Div(periodDec)

	// Wilder smoothing for the remaining closes.
	smoothing := periodDec.Sub(decimal.NewFromInt(1))
	for i := period + 1; i < len(closes); i++ {
		change := closes[i].Sub(closes[i-1])
		gain := decimal.Zero
		loss := decimal.Zero
		if change.IsPositive() {
			gain = change
		} else {
			loss = change.Neg()
		}
		avgGain = avgGain.Mul(smoothing).Add(gain).Div(periodDec)
		avgLoss = avgLoss.Mul(smoothing).Add(loss).Div(periodDec)
	}

	if avgGain.IsZero() && avgLoss.IsZero() {
		return fifty, true
	}
	if avgLoss.IsZero() {
		return hundred, true
	}

	rs := avgGain.Div(avgLoss)
	rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	return rsi, true
}
