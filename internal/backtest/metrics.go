package backtest

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
)

// JSONFloat marshals non-finite values as null, since plain JSON has
// no encoding for Inf or NaN.
type JSONFloat float64

func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// Metrics aggregates the performance of one backtest run.
type Metrics struct {
	TotalTrades          int       `json:"total_trades"`
	WinRate              JSONFloat `json:"win_rate"`
	AvgRR                JSONFloat `json:"avg_rr"`
	MaxDrawdown          JSONFloat `json:"max_drawdown"`
	MaxConsecutiveWins   int       `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int       `json:"max_consecutive_losses"`
	ProfitFactor         JSONFloat `json:"profit_factor"`
}

// Result bundles metrics with the trades behind them.
type Result struct {
	Metrics Metrics             `json:"metrics"`
	Trades  []model.TradeResult `json:"trades"`
}

// Compute derives the aggregate metrics from closed trades in close
// order. Breakeven trades break both win and loss streaks. Profit
// factor is +Inf for a run with gains and no losses; the JSON export
// nulls it.
func Compute(trades []model.TradeResult) Result {
	if len(trades) == 0 {
		return Result{}
	}

	var (
		wins, losses         int
		totalGain, totalLoss decimal.Decimal
		cumulative, peak     decimal.Decimal
		maxDD                decimal.Decimal
	)
	curWins, curLosses := 0, 0
	maxWins, maxLosses := 0, 0

	for _, t := range trades {
		switch {
		case t.PnL.IsPositive():
			wins++
			totalGain = totalGain.Add(t.PnL)
			curWins++
			curLosses = 0
		case t.PnL.IsNegative():
			losses++
			totalLoss = totalLoss.Add(t.PnL.Abs())
			curLosses++
			curWins = 0
		default:
			curWins, curLosses = 0, 0
		}
		if curWins > maxWins {
			maxWins = curWins
		}
		if curLosses > maxLosses {
			maxLosses = curLosses
		}

		cumulative = cumulative.Add(t.PnL)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if dd := peak.Sub(cumulative); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}

	winRate := float64(wins) / float64(len(trades))

	avgRR := 0.0
	if wins > 0 && losses > 0 {
		avgWin := totalGain.Div(decimal.NewFromInt(int64(wins)))
		avgLoss := totalLoss.Div(decimal.NewFromInt(int64(losses)))
		avgRR = avgWin.Div(avgLoss).InexactFloat64()
	}

	profitFactor := 0.0
	switch {
	case totalLoss.IsPositive():
		profitFactor = totalGain.Div(totalLoss).InexactFloat64()
	case totalGain.IsPositive():
		profitFactor = math.Inf(1)
	}

	maxDrawdown := 0.0
	if initial := trades[0].CapitalBefore; initial.IsPositive() {
		maxDrawdown = maxDD.Div(initial).InexactFloat64()
	}

	return Result{
		Metrics: Metrics{
			TotalTrades:          len(trades),
			WinRate:              JSONFloat(winRate),
			AvgRR:                JSONFloat(avgRR),
			MaxDrawdown:          JSONFloat(maxDrawdown),
			MaxConsecutiveWins:   maxWins,
			MaxConsecutiveLosses: maxLosses,
			ProfitFactor:         JSONFloat(profitFactor),
		},
		Trades: trades,
	}
}

// ExportJSON writes the result to path, creating parent directories.
func ExportJSON(result Result, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return yerrors.Wrap(err, "create export directory")
	}

	out := exportShape{Metrics: result.Metrics, Trades: make([]exportTrade, 0, len(result.Trades))}
	for _, t := range result.Trades {
		out.Trades = append(out.Trades, exportTrade{
			ID:            t.ID,
			Pair:          t.Pair,
			Direction:     string(t.Direction),
			EntryPrice:    t.EntryPrice.String(),
			ExitPrice:     t.ExitPrice.String(),
			StopLoss:      t.StopLoss.String(),
			TakeProfit:    t.TakeProfit.String(),
			Quantity:      t.Quantity.String(),
			Leverage:      t.Leverage,
			PnL:           t.PnL.String(),
			CapitalBefore: t.CapitalBefore.String(),
			CapitalAfter:  t.CapitalAfter.String(),
			DurationSecs:  t.Duration.Seconds(),
		})
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return yerrors.Wrap(err, "encode backtest result")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return yerrors.Wrap(err, "write backtest result")
	}
	logs.Infof("backtest results exported, file=%s trades=%d", path, len(result.Trades))
	return nil
}

type exportShape struct {
	Metrics Metrics       `json:"metrics"`
	Trades  []exportTrade `json:"trades"`
}

type exportTrade struct {
	ID            string  `json:"id"`
	Pair          string  `json:"pair"`
	Direction     string  `json:"direction"`
	EntryPrice    string  `json:"entry_price"`
	ExitPrice     string  `json:"exit_price"`
	StopLoss      string  `json:"stop_loss"`
	TakeProfit    string  `json:"take_profit"`
	Quantity      string  `json:"quantity"`
	Leverage      int     `json:"leverage"`
	PnL           string  `json:"pnl"`
	CapitalBefore string  `json:"capital_before"`
	CapitalAfter  string  `json:"capital_after"`
	DurationSecs  float64 `json:"duration_secs"`
}
