package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/capital"
	"main/internal/strategy"
	"main/pkg/ratelimit"
)

// FileConfig mirrors the JSON config layout. Decimal fields travel as
// strings so no float parsing touches money values.
type FileConfig struct {
	Exchange  ExchangeConfig  `json:"exchange"`
	Strategy  StrategyConfig  `json:"strategy"`
	Paths     PathsConfig     `json:"paths"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Defaults  DefaultsConfig  `json:"defaults"`
	Database  DatabaseConfig  `json:"database"`
}

// ExchangeConfig holds venue credentials. Secrets stay out of logs.
type ExchangeConfig struct {
	Name      string `json:"name"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	Testnet   *bool  `json:"testnet"`
}

// StrategyConfig declares the single strategy the engine runs.
type StrategyConfig struct {
	Name           string                     `json:"name"`
	Pair           string                     `json:"pair"`
	Timeframe      string                     `json:"timeframe"`
	Leverage       int                        `json:"leverage"`
	TimeoutCandles int                        `json:"timeoutCandles"`
	Direction      string                     `json:"direction"`
	SwingLookback  int                        `json:"swingLookback"`
	Conditions     []strategy.ConditionConfig `json:"conditions"`
	Capital        CapitalConfig              `json:"capital"`
}

// CapitalConfig configures position sizing.
type CapitalConfig struct {
	Mode        string `json:"mode"`
	RiskPercent string `json:"riskPercent"`
	RiskReward  string `json:"riskReward"`
	Factor      string `json:"factor"`
	MaxSteps    int    `json:"maxSteps"`
}

// PathsConfig locates the state, ledger, log and backup directories.
type PathsConfig struct {
	State  string `json:"state"`
	Trades string `json:"trades"`
	Logs   string `json:"logs"`
	Backup string `json:"backup"`
}

// RateLimitConfig tunes the request limiter.
type RateLimitConfig struct {
	MaxPerSecond      float64 `json:"maxPerSecond"`
	Burst             int     `json:"burst"`
	RetryDelaySecs    int     `json:"retryDelaySecs"`
	MaxRetryDelaySecs int     `json:"maxRetryDelaySecs"`
	MaxRetries        int     `json:"maxRetries"`
}

// DefaultsConfig carries engine-wide tunables.
type DefaultsConfig struct {
	MinBalance          string `json:"minBalance"`
	BackupIntervalHours int    `json:"backupIntervalHours"`
}

// DatabaseConfig enables the optional Postgres trade mirror.
type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Exchange       ExchangeSpec
	Strategy       StrategySpec
	Paths          PathsSpec
	RateLimit      ratelimit.Config
	MinBalance     decimal.Decimal
	BackupInterval time.Duration
	DatabaseDSN    string
}

// ExchangeSpec is the resolved venue connection definition.
type ExchangeSpec struct {
	Name      string
	APIKey    string
	APISecret string
	Testnet   bool
}

// StrategySpec is the resolved strategy definition.
type StrategySpec struct {
	Name           string
	Pair           string
	Timeframe      string
	Leverage       int
	TimeoutCandles int
	Direction      string
	SwingLookback  int
	Conditions     []strategy.ConditionConfig
	Capital        capital.Config
	RiskReward     decimal.Decimal
}

// PathsSpec holds resolved directories with defaults applied.
type PathsSpec struct {
	State  string
	Trades string
	Logs   string
	Backup string
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, fmt.Errorf("parse config: %w", err)
	}
	return Resolve(cfg)
}

// Resolve validates a FileConfig field by field.
func Resolve(cfg FileConfig) (Loaded, error) {
	exchange, err := resolveExchange(cfg.Exchange)
	if err != nil {
		return Loaded{}, err
	}
	strat, err := resolveStrategy(cfg.Strategy)
	if err != nil {
		return Loaded{}, err
	}
	paths := resolvePaths(cfg.Paths)
	limit, err := resolveRateLimit(cfg.RateLimit)
	if err != nil {
		return Loaded{}, err
	}

	minBalance := decimal.Zero
	if cfg.Defaults.MinBalance != "" {
		minBalance, err = decimal.NewFromString(cfg.Defaults.MinBalance)
		if err != nil {
			return Loaded{}, fmt.Errorf("defaults.minBalance: %w", err)
		}
		if minBalance.IsNegative() {
			return Loaded{}, fmt.Errorf("defaults.minBalance must be >= 0")
		}
	}

	backupHours := cfg.Defaults.BackupIntervalHours
	if backupHours == 0 {
		backupHours = 24
	}
	if backupHours < 0 {
		return Loaded{}, fmt.Errorf("defaults.backupIntervalHours must be > 0")
	}

	return Loaded{
		Exchange:       exchange,
		Strategy:       strat,
		Paths:          paths,
		RateLimit:      limit,
		MinBalance:     minBalance,
		BackupInterval: time.Duration(backupHours) * time.Hour,
		DatabaseDSN:    cfg.Database.DSN,
	}, nil
}

func resolveExchange(cfg ExchangeConfig) (ExchangeSpec, error) {
	if cfg.Name == "" {
		return ExchangeSpec{}, fmt.Errorf("exchange.name is empty")
	}
	if cfg.APIKey == "" {
		return ExchangeSpec{}, fmt.Errorf("exchange.apiKey is empty")
	}
	if cfg.APISecret == "" {
		return ExchangeSpec{}, fmt.Errorf("exchange.apiSecret is empty")
	}
	testnet := true
	if cfg.Testnet != nil {
		testnet = *cfg.Testnet
	}
	return ExchangeSpec{
		Name:      cfg.Name,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Testnet:   testnet,
	}, nil
}

func resolveStrategy(cfg StrategyConfig) (StrategySpec, error) {
	if cfg.Name == "" {
		return StrategySpec{}, fmt.Errorf("strategy.name is empty")
	}
	if cfg.Pair == "" {
		return StrategySpec{}, fmt.Errorf("strategy.pair is empty")
	}
	if cfg.Timeframe == "" {
		return StrategySpec{}, fmt.Errorf("strategy.timeframe is empty")
	}
	if cfg.Leverage < 1 {
		return StrategySpec{}, fmt.Errorf("strategy.leverage must be >= 1")
	}
	if cfg.TimeoutCandles <= 0 {
		return StrategySpec{}, fmt.Errorf("strategy.timeoutCandles must be > 0")
	}
	if len(cfg.Conditions) == 0 {
		return StrategySpec{}, fmt.Errorf("strategy.conditions is empty")
	}
	direction := cfg.Direction
	if direction == "" {
		direction = "long"
	}
	if direction != "long" && direction != "short" {
		return StrategySpec{}, fmt.Errorf("strategy.direction must be long or short, got %q", cfg.Direction)
	}

	capitalCfg, riskReward, err := resolveCapital(cfg.Capital)
	if err != nil {
		return StrategySpec{}, err
	}

	return StrategySpec{
		Name:           cfg.Name,
		Pair:           cfg.Pair,
		Timeframe:      cfg.Timeframe,
		Leverage:       cfg.Leverage,
		TimeoutCandles: cfg.TimeoutCandles,
		Direction:      direction,
		SwingLookback:  cfg.SwingLookback,
		Conditions:     cfg.Conditions,
		Capital:        capitalCfg,
		RiskReward:     riskReward,
	}, nil
}

func resolveCapital(cfg CapitalConfig) (capital.Config, decimal.Decimal, error) {
	if cfg.RiskPercent == "" {
		return capital.Config{}, decimal.Zero, fmt.Errorf("strategy.capital.riskPercent is empty")
	}
	risk, err := decimal.NewFromString(cfg.RiskPercent)
	if err != nil {
		return capital.Config{}, decimal.Zero, fmt.Errorf("strategy.capital.riskPercent: %w", err)
	}
	if cfg.RiskReward == "" {
		return capital.Config{}, decimal.Zero, fmt.Errorf("strategy.capital.riskReward is empty")
	}
	riskReward, err := decimal.NewFromString(cfg.RiskReward)
	if err != nil {
		return capital.Config{}, decimal.Zero, fmt.Errorf("strategy.capital.riskReward: %w", err)
	}
	if !riskReward.IsPositive() {
		return capital.Config{}, decimal.Zero, fmt.Errorf("strategy.capital.riskReward must be > 0")
	}

	factor := decimal.Zero
	if cfg.Factor != "" {
		factor, err = decimal.NewFromString(cfg.Factor)
		if err != nil {
			return capital.Config{}, decimal.Zero, fmt.Errorf("strategy.capital.factor: %w", err)
		}
	}

	return capital.Config{
		Mode:        cfg.Mode,
		RiskPercent: risk,
		Factor:      factor,
		MaxSteps:    cfg.MaxSteps,
	}, riskReward, nil
}

func resolvePaths(cfg PathsConfig) PathsSpec {
	paths := PathsSpec{
		State:  cfg.State,
		Trades: cfg.Trades,
		Logs:   cfg.Logs,
		Backup: cfg.Backup,
	}
	if paths.State == "" {
		paths.State = "data/state"
	}
	if paths.Trades == "" {
		paths.Trades = "data/trades"
	}
	if paths.Logs == "" {
		paths.Logs = "data/logs"
	}
	if paths.Backup == "" {
		paths.Backup = "data/backups"
	}
	return paths
}

func resolveRateLimit(cfg RateLimitConfig) (ratelimit.Config, error) {
	if cfg.MaxPerSecond < 0 || cfg.Burst < 0 || cfg.RetryDelaySecs < 0 ||
		cfg.MaxRetryDelaySecs < 0 || cfg.MaxRetries < 0 {
		return ratelimit.Config{}, fmt.Errorf("rateLimit values must be >= 0")
	}
	out := ratelimit.DefaultConfig()
	if cfg.MaxPerSecond > 0 {
		out.MaxPerSecond = cfg.MaxPerSecond
	}
	if cfg.Burst > 0 {
		out.Burst = cfg.Burst
	}
	if cfg.RetryDelaySecs > 0 {
		out.RetryDelay = time.Duration(cfg.RetryDelaySecs) * time.Second
	}
	if cfg.MaxRetryDelaySecs > 0 {
		out.MaxRetryDelay = time.Duration(cfg.MaxRetryDelaySecs) * time.Second
	}
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	return out, nil
}
