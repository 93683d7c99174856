package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/streambot/pkg/binance"
	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/secrets"
	"github.com/gregtusar/streambot/pkg/strategy"
	"github.com/gregtusar/streambot/pkg/trader"
)

var ErrMissingCredentials = errors.New("live mode requires binance api key and secret")

// ValidationError names the offending key.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Binance    binance.ClientConfig `mapstructure:"binance"`
	Stream     binance.StreamConfig `mapstructure:"stream"`
	Trading    TradingConfig        `mapstructure:"trading"`
	Strategies StrategiesConfig     `mapstructure:"strategies"`
	Store      StoreConfig          `mapstructure:"store"`
	Logging    LoggingConfig        `mapstructure:"logging"`
	GCP        GCPConfig            `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	CORSOrigin string `mapstructure:"cors_origin"`
	// AuthSecret enables HS256 bearer auth on the control endpoints.
	AuthSecret string `mapstructure:"auth_secret"`
}

type TradingConfig struct {
	Symbol         string        `mapstructure:"symbol"`
	BaseAsset      string        `mapstructure:"base_asset"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	Interval       string        `mapstructure:"interval"`
	Mode           string        `mapstructure:"mode"`
	MaxPositions   int           `mapstructure:"max_positions"`
	TradeAmount    float64       `mapstructure:"trade_amount"`
	StopLossPct    float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct  float64       `mapstructure:"take_profit_pct"`
	InitialBalance float64       `mapstructure:"initial_balance"`
	EvalInterval   time.Duration `mapstructure:"eval_interval"`
	WindowSize     int           `mapstructure:"window_size"`
	OrderTimeout   time.Duration `mapstructure:"order_timeout"`
}

type StrategiesConfig struct {
	Active string          `mapstructure:"active"`
	Params strategy.Params `mapstructure:",squash"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads config.yaml (or configPath), then .env, then the environment.
// Secrets from GCP only fill credentials that are still empty.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/streambot")
	}

	v.SetEnvPrefix("STREAMBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		logger := logrus.New()
		if err := loadSecretsFromGCP(context.Background(), &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("binance.rest_url", "https://api.binance.com")
	v.SetDefault("binance.api_key", "")
	v.SetDefault("binance.api_secret", "")
	v.SetDefault("binance.timeout", 30*time.Second)
	v.SetDefault("binance.recv_window", 5*time.Second)
	v.SetDefault("binance.requests_per_second", 10)

	v.SetDefault("stream.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("stream.base_delay", time.Second)
	v.SetDefault("stream.max_attempts", 5)
	v.SetDefault("stream.ping_interval", 30*time.Second)
	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.control_rate", 5)

	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.base_asset", "BTC")
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.interval", "1m")
	v.SetDefault("trading.mode", string(models.ModeSimulated))
	v.SetDefault("trading.max_positions", 3)
	v.SetDefault("trading.trade_amount", 100.0)
	v.SetDefault("trading.stop_loss_pct", 2.0)
	v.SetDefault("trading.take_profit_pct", 5.0)
	v.SetDefault("trading.initial_balance", 10000.0)
	v.SetDefault("trading.eval_interval", 10*time.Second)
	v.SetDefault("trading.window_size", trader.DefaultWindowSize)
	v.SetDefault("trading.order_timeout", 15*time.Second)

	p := strategy.DefaultParams()
	v.SetDefault("strategies.active", strategy.NameCombined)
	v.SetDefault("strategies.macd.fast_period", p.MACD.FastPeriod)
	v.SetDefault("strategies.macd.slow_period", p.MACD.SlowPeriod)
	v.SetDefault("strategies.macd.signal_period", p.MACD.SignalPeriod)
	v.SetDefault("strategies.rsi.period", p.RSI.Period)
	v.SetDefault("strategies.rsi.overbought", p.RSI.Overbought)
	v.SetDefault("strategies.rsi.oversold", p.RSI.Oversold)
	v.SetDefault("strategies.bb.period", p.BB.Period)
	v.SetDefault("strategies.bb.std_dev", p.BB.StdDev)

	v.SetDefault("store.path", "./data/streambot.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", names.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", names.BinanceAPISecret)
	v.SetDefault("gcp.secret_names.api_auth_secret", names.APIAuthSecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	if config.Binance.APIKey == "" {
		config.Binance.APIKey = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.BinanceAPIKey, "")
	}
	if config.Binance.APISecret == "" {
		config.Binance.APISecret = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.BinanceAPISecret, "")
	}
	if config.Server.AuthSecret == "" {
		config.Server.AuthSecret = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.APIAuthSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects configurations the bot cannot run with. An unknown
// strategy name is not an error: it falls back to combined at evaluation.
func (c *Config) Validate() error {
	t := c.Trading
	switch {
	case t.Symbol == "":
		return &ValidationError{Field: "trading.symbol", Reason: "must be set"}
	case t.Interval == "":
		return &ValidationError{Field: "trading.interval", Reason: "must be set"}
	case t.MaxPositions < 1:
		return &ValidationError{Field: "trading.max_positions", Reason: "must be at least 1"}
	case t.TradeAmount <= 0:
		return &ValidationError{Field: "trading.trade_amount", Reason: "must be positive"}
	case t.StopLossPct <= 0:
		return &ValidationError{Field: "trading.stop_loss_pct", Reason: "must be positive"}
	case t.TakeProfitPct <= 0:
		return &ValidationError{Field: "trading.take_profit_pct", Reason: "must be positive"}
	case t.InitialBalance < 0:
		return &ValidationError{Field: "trading.initial_balance", Reason: "must not be negative"}
	}

	switch models.Mode(t.Mode) {
	case models.ModeSimulated:
	case models.ModeLive:
		if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
			return ErrMissingCredentials
		}
	default:
		return &ValidationError{Field: "trading.mode", Reason: fmt.Sprintf("%q is not simulated or live", t.Mode)}
	}

	p := c.Strategies.Params
	checks := []struct {
		field string
		err   error
	}{
		{"strategies.macd", p.MACD.Validate()},
		{"strategies.rsi", p.RSI.Validate()},
		{"strategies.bb", p.BB.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return &ValidationError{Field: check.field, Reason: check.err.Error()}
		}
	}
	return nil
}

func (c *Config) Risk() trader.RiskConfig {
	t := c.Trading
	return trader.RiskConfig{
		Symbol:         strings.ToUpper(t.Symbol),
		BaseAsset:      t.BaseAsset,
		QuoteAsset:     t.QuoteAsset,
		Mode:           models.Mode(t.Mode),
		MaxPositions:   t.MaxPositions,
		TradeAmount:    t.TradeAmount,
		StopLossPct:    t.StopLossPct,
		TakeProfitPct:  t.TakeProfitPct,
		InitialBalance: t.InitialBalance,
	}
}

func (c *Config) Bot() trader.BotConfig {
	t := c.Trading
	return trader.BotConfig{
		Symbol:       strings.ToUpper(t.Symbol),
		Interval:     t.Interval,
		EvalInterval: t.EvalInterval,
		WindowSize:   t.WindowSize,
		OrderTimeout: t.OrderTimeout,
	}
}

func (c *Config) Settings() trader.Settings {
	return trader.Settings{Strategy: c.Strategies.Active, Params: c.Strategies.Params}
}
