package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/streambot/api"
	"github.com/gregtusar/streambot/internal/config"
	"github.com/gregtusar/streambot/pkg/binance"
	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/store"
	"github.com/gregtusar/streambot/pkg/strategy"
	"github.com/gregtusar/streambot/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger

	backtestLimit    int
	backtestStrategy string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "streambot",
		Short: "Single-pair Binance trading bot",
		Long:  `Streams klines and trades for one Binance pair, evaluates technical strategies on every update and manages simulated or live positions with stop-loss and take-profit exits`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay recent klines through the configured strategy",
		Run:   runBacktest,
	}
	backtestCmd.Flags().IntVar(&backtestLimit, "limit", 500, "number of klines to fetch (max 1000)")
	backtestCmd.Flags().StringVar(&backtestStrategy, "strategy", "", "strategy to test (default is strategies.active)")
	rootCmd.AddCommand(backtestCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads and validates the configuration and builds the logger from it.
func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	configureLogger(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	return cfg
}

func configureLogger(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Error("Failed to open log file, logging to stderr only")
			return
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	cfg := setup()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open state store")
	}
	defer snapshots.Close()

	client := binance.NewClient(cfg.Binance, logger)
	stream := binance.NewStream(cfg.Stream, logger)

	risk := cfg.Risk()
	var account trader.AccountProvider
	var orders trader.OrderPlacer
	if risk.Mode == models.ModeLive {
		account, orders = client, client
	}
	positions := trader.NewPositionManager(risk, account, orders, logger)

	bot := trader.NewBot(cfg.Bot(), cfg.Settings(), trader.Deps{
		Stream:    stream,
		Klines:    client,
		Positions: positions,
		Engine:    strategy.NewEngine(logger),
		Store:     snapshots,
		Logger:    logger,
	})
	bot.Subscribe(trader.LogNotifier{Logger: logger})

	// Start the bot
	if err := bot.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start bot")
	}

	// Start API server
	apiServer := api.NewServer(bot, logger, strconv.Itoa(cfg.Server.Port), cfg.Server.AuthSecret, cfg.Server.CORSOrigin)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithFields(logrus.Fields{
		"symbol": risk.Symbol,
		"mode":   risk.Mode,
	}).Info("Bot is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown")
	}
	bot.Stop()
	cancel()

	logger.Info("Bot stopped")
}

func runBacktest(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings := cfg.Settings()
	if backtestStrategy != "" {
		settings.Strategy = backtestStrategy
	}

	botCfg := cfg.Bot()
	client := binance.NewClient(cfg.Binance, logger)
	candles, err := client.FetchKlines(ctx, botCfg.Symbol, botCfg.Interval, backtestLimit)
	if err != nil {
		logger.WithError(err).Fatal("Failed to fetch klines")
	}

	risk := cfg.Risk()
	risk.Mode = models.ModeSimulated
	positions := trader.NewPositionManager(risk, nil, nil, logger)

	report, err := trader.Backtest(ctx, candles, settings, botCfg.WindowSize, strategy.NewEngine(logger), positions)
	if err != nil {
		logger.WithError(err).Fatal("Backtest failed")
	}

	fmt.Printf("symbol:          %s %s\n", botCfg.Symbol, botCfg.Interval)
	fmt.Printf("strategy:        %s\n", settings.Strategy)
	fmt.Printf("candles:         %d\n", report.Candles)
	fmt.Printf("signals:         %d (%d rejected)\n", report.Signals, report.Rejected)
	fmt.Printf("closed trades:   %d\n", len(report.Trades))
	fmt.Printf("open positions:  %d\n", report.OpenPositions)
	fmt.Printf("total pnl:       %.2f %s\n", report.TotalPnL, risk.QuoteAsset)
	fmt.Printf("win rate:        %.1f%%\n", report.WinRate*100)
	fmt.Printf("profit factor:   %.2f\n", report.ProfitFactor)
	fmt.Printf("max drawdown:    %.2f%%\n", report.MaxDrawdownPct)
	fmt.Printf("final balance:   %.2f %s\n", report.FinalBalance.Quote, risk.QuoteAsset)
}
