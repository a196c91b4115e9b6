package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/backtest"
	"main/internal/capital"
	"main/internal/event"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	candlesPath := flag.String("candles", "", "Path to a JSON file of candles")
	dataDir := flag.String("data", "data/history", "Candle cache directory")
	startArg := flag.String("start", "", "Range start (2006-01-02 or RFC3339)")
	endArg := flag.String("end", "", "Range end (2006-01-02 or RFC3339)")
	outPath := flag.String("out", "data/backtest_result.json", "Result output path")
	capitalArg := flag.String("capital", "10000", "Initial capital")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	start, end, err := parseRange(*startArg, *endArg)
	if err != nil {
		log.Fatalf("invalid range: %v", err)
	}
	initial, err := decimal.NewFromString(*capitalArg)
	if err != nil {
		log.Fatalf("invalid capital %q: %v", *capitalArg, err)
	}

	ctx := context.Background()
	candles, err := loadCandles(ctx, cfg, *candlesPath, *dataDir, start, end)
	if err != nil {
		log.Fatalf("candle load failed: %v", err)
	}
	if len(candles) == 0 {
		log.Fatalf("no candles in range %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	result, err := run(ctx, cfg, candles, initial)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	if err := backtest.ExportJSON(result, *outPath); err != nil {
		log.Fatalf("result export failed: %v", err)
	}

	m := result.Metrics
	fmt.Printf("candles: %d, trades: %d\n", len(candles), m.TotalTrades)
	fmt.Printf("win rate: %.2f%%, avg r:r: %.2f, profit factor: %.2f\n",
		float64(m.WinRate)*100, float64(m.AvgRR), float64(m.ProfitFactor))
	fmt.Printf("max drawdown: %.2f%%, streaks: %d win / %d loss\n",
		float64(m.MaxDrawdown)*100, m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	fmt.Printf("result written to %s\n", *outPath)
}

func run(ctx context.Context, cfg ops.Loaded, candles []model.Candle, initial decimal.Decimal) (backtest.Result, error) {
	bus := event.NewBus(obs.NewMetrics())

	machine := strategy.NewMachine(bus, cfg.Strategy.Name, cfg.Strategy.Pair)
	conditions, err := strategy.BuildConditions(cfg.Strategy.Conditions)
	if err != nil {
		return backtest.Result{}, err
	}
	direction := enum.DirectionLong
	if cfg.Strategy.Direction == "short" {
		direction = enum.DirectionShort
	}
	strat, err := strategy.New(machine, conditions,
		strategy.SwingSignal(direction, cfg.Strategy.SwingLookback), cfg.Strategy.TimeoutCandles)
	if err != nil {
		return backtest.Result{}, err
	}

	// Replays assume venue rules close to the live defaults.
	rules := model.MarketRules{
		StepSize:    decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.1"),
		MinNotional: decimal.RequireFromString("5"),
		MaxLeverage: 125,
	}
	manager, err := capital.New(cfg.Strategy.Capital, rules)
	if err != nil {
		return backtest.Result{}, err
	}

	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Bus:            bus,
		Capital:        manager,
		Machine:        machine,
		Pair:           cfg.Strategy.Pair,
		Leverage:       cfg.Strategy.Leverage,
		RiskReward:     cfg.Strategy.RiskReward,
		InitialCapital: initial,
	})
	if err != nil {
		return backtest.Result{}, err
	}
	sim.Bind(bus)
	strat.Bind(bus)

	replay := backtest.NewReplay(bus, cfg.Strategy.Pair, cfg.Strategy.Timeframe)
	if err := replay.Run(ctx, candles); err != nil {
		return backtest.Result{}, err
	}
	return backtest.Compute(sim.ClosedTrades()), nil
}

// loadCandles reads the candle file and serves the requested range
// through the on-disk cache, so repeated runs skip the parse.
func loadCandles(ctx context.Context, cfg ops.Loaded, candlesPath, dataDir string, start, end time.Time) ([]model.Candle, error) {
	var source backtest.Source = SliceFileSource(candlesPath)
	history, err := backtest.NewHistory(dataDir, source)
	if err != nil {
		return nil, err
	}
	return history.Load(ctx, cfg.Strategy.Pair, cfg.Strategy.Timeframe, start, end)
}

// SliceFileSource fetches candles from a JSON file on disk.
type SliceFileSource string

func (s SliceFileSource) Fetch(ctx context.Context, pair, timeframe string, start, end time.Time) ([]model.Candle, error) {
	if s == "" {
		return nil, fmt.Errorf("no candle file given, pass -candles")
	}
	data, err := os.ReadFile(string(s))
	if err != nil {
		return nil, err
	}
	var candles []model.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, fmt.Errorf("parse candle file %s: %w", s, err)
	}
	return backtest.SliceSource(candles).Fetch(ctx, pair, timeframe, start, end)
}

func parseRange(startArg, endArg string) (time.Time, time.Time, error) {
	start, err := parseStamp(startArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseStamp(endArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", endArg, startArg)
	}
	return start, end, nil
}

func parseStamp(arg string) (time.Time, error) {
	if arg == "" {
		return time.Time{}, fmt.Errorf("missing value")
	}
	if t, err := time.Parse("2006-01-02", arg); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return time.Time{}, fmt.Errorf("want 2006-01-02 or RFC3339, got %q", arg)
	}
	return t.UTC(), nil
}
