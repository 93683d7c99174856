package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/strategy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "BTCUSDT", cfg.Trading.Symbol)
	assert.Equal(t, string(models.ModeSimulated), cfg.Trading.Mode)
	assert.Equal(t, 3, cfg.Trading.MaxPositions)
	assert.Equal(t, 10000.0, cfg.Trading.InitialBalance)
	assert.Equal(t, time.Second, cfg.Stream.BaseDelay)
	assert.Equal(t, 5, cfg.Stream.MaxAttempts)
	assert.Equal(t, strategy.DefaultParams(), cfg.Strategies.Params)
	assert.Equal(t, strategy.NameCombined, cfg.Strategies.Active)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbol: ethusdt
  interval: 5m
  eval_interval: 30s
strategies:
  active: rsi
  rsi:
    period: 7
    overbought: 80
    oversold: 20
stream:
  base_delay: 250ms
`)
	t.Setenv("STREAMBOT_TRADING_MAX_POSITIONS", "5")
	t.Setenv("BINANCE_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Trading.MaxPositions)
	assert.Equal(t, "env-key", cfg.Binance.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Trading.EvalInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.BaseDelay)
	assert.Equal(t, 7, cfg.Strategies.Params.RSI.Period)
	assert.Equal(t, 80.0, cfg.Strategies.Params.RSI.Overbought)
	assert.Equal(t, 26, cfg.Strategies.Params.MACD.SlowPeriod)

	assert.Equal(t, "ETHUSDT", cfg.Risk().Symbol)
	assert.Equal(t, "5m", cfg.Bot().Interval)
	assert.Equal(t, "rsi", cfg.Settings().Strategy)
}

func TestValidate(t *testing.T) {
	base, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
		is     error
	}{
		{"zero max positions", func(c *Config) { c.Trading.MaxPositions = 0 }, "trading.max_positions", nil},
		{"negative amount", func(c *Config) { c.Trading.TradeAmount = -1 }, "trading.trade_amount", nil},
		{"zero stop loss", func(c *Config) { c.Trading.StopLossPct = 0 }, "trading.stop_loss_pct", nil},
		{"zero take profit", func(c *Config) { c.Trading.TakeProfitPct = 0 }, "trading.take_profit_pct", nil},
		{"bad mode", func(c *Config) { c.Trading.Mode = "paper" }, "trading.mode", nil},
		{"bad rsi period", func(c *Config) { c.Strategies.Params.RSI.Period = 0 }, "strategies.rsi", nil},
		{"live without keys", func(c *Config) { c.Trading.Mode = "live" }, "", ErrMissingCredentials},
		{"unknown strategy is fine", func(c *Config) { c.Strategies.Active = "moon" }, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			switch {
			case tt.is != nil:
				assert.ErrorIs(t, err, tt.is)
			case tt.field != "":
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			default:
				assert.NoError(t, err)
			}
		})
	}
}
