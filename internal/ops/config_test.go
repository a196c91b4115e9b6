package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/strategy"
)

func validConfig() FileConfig {
	return FileConfig{
		Exchange: ExchangeConfig{
			Name:      "bitget",
			APIKey:    "key",
			APISecret: "secret",
		},
		Strategy: StrategyConfig{
			Name:           "rsi-reversal",
			Pair:           "BTCUSDT",
			Timeframe:      "5m",
			Leverage:       5,
			TimeoutCandles: 10,
			Conditions: []strategy.ConditionConfig{
				{Kind: "rsi_below", Period: 14, Threshold: decimal.RequireFromString("30")},
			},
			Capital: CapitalConfig{
				Mode:        "fixed_percent",
				RiskPercent: "1",
				RiskReward:  "2",
			},
		},
	}
}

func TestResolveValidConfig(t *testing.T) {
	loaded, err := Resolve(validConfig())
	require.NoError(t, err)

	assert.Equal(t, "bitget", loaded.Exchange.Name)
	assert.True(t, loaded.Exchange.Testnet, "testnet defaults on")
	assert.Equal(t, "long", loaded.Strategy.Direction)
	assert.True(t, loaded.Strategy.RiskReward.Equal(decimal.RequireFromString("2")))
	assert.True(t, loaded.Strategy.Capital.RiskPercent.Equal(decimal.RequireFromString("1")))
	assert.Equal(t, "data/state", loaded.Paths.State)
	assert.Equal(t, "data/backups", loaded.Paths.Backup)
	assert.Equal(t, 24*time.Hour, loaded.BackupInterval)
	assert.True(t, loaded.MinBalance.IsZero())
	assert.Equal(t, float64(10), loaded.RateLimit.MaxPerSecond)
}

func TestResolveFieldErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FileConfig)
		wantSub string
	}{
		{"missing exchange name", func(c *FileConfig) { c.Exchange.Name = "" }, "exchange.name"},
		{"missing api key", func(c *FileConfig) { c.Exchange.APIKey = "" }, "exchange.apiKey"},
		{"missing api secret", func(c *FileConfig) { c.Exchange.APISecret = "" }, "exchange.apiSecret"},
		{"missing pair", func(c *FileConfig) { c.Strategy.Pair = "" }, "strategy.pair"},
		{"zero leverage", func(c *FileConfig) { c.Strategy.Leverage = 0 }, "strategy.leverage"},
		{"zero timeout", func(c *FileConfig) { c.Strategy.TimeoutCandles = 0 }, "strategy.timeoutCandles"},
		{"no conditions", func(c *FileConfig) { c.Strategy.Conditions = nil }, "strategy.conditions"},
		{"bad direction", func(c *FileConfig) { c.Strategy.Direction = "sideways" }, "strategy.direction"},
		{"missing risk", func(c *FileConfig) { c.Strategy.Capital.RiskPercent = "" }, "riskPercent"},
		{"bad risk", func(c *FileConfig) { c.Strategy.Capital.RiskPercent = "lots" }, "riskPercent"},
		{"missing risk reward", func(c *FileConfig) { c.Strategy.Capital.RiskReward = "" }, "riskReward"},
		{"negative risk reward", func(c *FileConfig) { c.Strategy.Capital.RiskReward = "-2" }, "riskReward"},
		{"bad min balance", func(c *FileConfig) { c.Defaults.MinBalance = "none" }, "minBalance"},
		{"negative min balance", func(c *FileConfig) { c.Defaults.MinBalance = "-5" }, "minBalance"},
		{"negative rate limit", func(c *FileConfig) { c.RateLimit.MaxRetries = -1 }, "rateLimit"},
		{"negative backup hours", func(c *FileConfig) { c.Defaults.BackupIntervalHours = -1 }, "backupIntervalHours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := Resolve(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestResolveRateLimitOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit = RateLimitConfig{
		MaxPerSecond:      3,
		Burst:             2,
		RetryDelaySecs:    2,
		MaxRetryDelaySecs: 60,
		MaxRetries:        4,
	}
	loaded, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, float64(3), loaded.RateLimit.MaxPerSecond)
	assert.Equal(t, 2, loaded.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, loaded.RateLimit.RetryDelay)
	assert.Equal(t, time.Minute, loaded.RateLimit.MaxRetryDelay)
	assert.Equal(t, 4, loaded.RateLimit.MaxRetries)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"exchange": {"name": "bitget", "apiKey": "k", "apiSecret": "s", "testnet": false},
		"strategy": {
			"name": "rsi-reversal",
			"pair": "BTCUSDT",
			"timeframe": "5m",
			"leverage": 5,
			"timeoutCandles": 10,
			"conditions": [{"kind": "rsi_below", "period": 14, "threshold": "30"}],
			"capital": {"mode": "martingale", "riskPercent": "1.5", "riskReward": "2", "factor": "2", "maxSteps": 3}
		},
		"paths": {"state": "/tmp/state"},
		"defaults": {"minBalance": "100", "backupIntervalHours": 6},
		"database": {"dsn": "postgres://trader@localhost/trades"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.False(t, loaded.Exchange.Testnet)
	assert.Equal(t, "martingale", loaded.Strategy.Capital.Mode)
	assert.Equal(t, 3, loaded.Strategy.Capital.MaxSteps)
	assert.Equal(t, "/tmp/state", loaded.Paths.State)
	assert.Equal(t, "data/trades", loaded.Paths.Trades)
	assert.True(t, loaded.MinBalance.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, 6*time.Hour, loaded.BackupInterval)
	assert.Equal(t, "postgres://trader@localhost/trades", loaded.DatabaseDSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
