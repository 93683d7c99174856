package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/streambot/pkg/binance"
	"github.com/gregtusar/streambot/pkg/indicators"
	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/store"
	"github.com/gregtusar/streambot/pkg/strategy"
)

var ErrAlreadyRunning = errors.New("bot already running")

const (
	settingsKey = "settings"
	eventLogLen = 200
)

// MarketStream is the part of binance.Stream the bot drives.
type MarketStream interface {
	Init()
	Close()
	Subscribe(name string) error
	Status() binance.StreamStatus
	OnState(func(binance.StateEvent))
	OnError(func(binance.ErrorEvent))
	OnKline(func(binance.KlineEvent))
	OnTrade(func(binance.TradeEvent))
}

type KlineSource interface {
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// SnapshotStore saves and loads opaque JSON snapshots by key.
type SnapshotStore interface {
	Save(ctx context.Context, key string, v any) error
	Load(ctx context.Context, key string, v any) error
}

type BotConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Interval string `mapstructure:"interval"`
	// EvalInterval re-runs the pipeline on the current window even when no
	// message arrives.
	EvalInterval time.Duration `mapstructure:"eval_interval"`
	WindowSize   int           `mapstructure:"window_size"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
}

// Settings is the user-tunable strategy selection, saved separately from the
// trading state.
type Settings struct {
	Strategy string          `json:"strategy"`
	Params   strategy.Params `json:"params"`
}

type Deps struct {
	Stream    MarketStream
	Klines    KlineSource
	Positions *PositionManager
	Engine    *strategy.Engine
	Store     SnapshotStore
	Logger    *logrus.Logger
}

type BotStatus struct {
	Running       bool                 `json:"running"`
	Mode          models.Mode          `json:"mode"`
	Symbol        string               `json:"symbol"`
	Interval      string               `json:"interval"`
	Strategy      string               `json:"strategy"`
	Candles       int                  `json:"candles"`
	LastPrice     float64              `json:"lastPrice"`
	OpenPositions int                  `json:"openPositions"`
	PnL           models.PnL           `json:"pnl"`
	Stream        binance.StreamStatus `json:"stream"`
}

// Bot wires the stream, the candle window, the strategy engine and the
// position manager into one pipeline. Pipeline runs never interleave: every
// kline, trade and timer tick takes pipelineMu for the whole run.
type Bot struct {
	cfg       BotConfig
	stream    MarketStream
	klines    KlineSource
	positions *PositionManager
	engine    *strategy.Engine
	store     SnapshotStore
	logger    *logrus.Logger

	// lifecycleMu serializes Start and Stop. Readers use running and never
	// wait behind the history fetch in Start.
	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	timer       *time.Ticker
	wireOnce    sync.Once
	restored    bool

	pipelineMu sync.Mutex
	window     *CandleWindow
	settings   Settings
	lastPrice  float64
	// lastSignal remembers the candle each action last fired on so repeated
	// evaluations of the same window do not fire twice.
	lastSignal map[models.Action]int64

	notifyMu  sync.RWMutex
	notifiers []Notifier
	events    *eventLog
}

func NewBot(cfg BotConfig, settings Settings, deps Deps) *Bot {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 10 * time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 15 * time.Second
	}
	b := &Bot{
		cfg:        cfg,
		stream:     deps.Stream,
		klines:     deps.Klines,
		positions:  deps.Positions,
		engine:     deps.Engine,
		store:      deps.Store,
		logger:     deps.Logger,
		window:     NewCandleWindow(cfg.WindowSize),
		settings:   settings,
		lastSignal: make(map[models.Action]int64),
		events:     newEventLog(eventLogLen),
	}
	b.resolveStrategy(settings.Strategy)
	return b
}

func (b *Bot) stateKey() string {
	return "state:" + string(b.positions.Mode())
}

// Start restores saved state, loads candle history, subscribes to the kline
// and trade streams and starts the evaluation timer.
func (b *Bot) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.running.Load() {
		return ErrAlreadyRunning
	}

	if !b.restored {
		b.restore(ctx)
		b.restored = true
	}

	if err := b.positions.RefreshBalance(ctx); err != nil {
		return err
	}

	history, err := b.klines.FetchKlines(ctx, b.cfg.Symbol, b.cfg.Interval, b.window.size)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	b.pipelineMu.Lock()
	b.window.Replace(history)
	if last, ok := b.window.Last(); ok {
		b.lastPrice = last.Close
	}
	b.pipelineMu.Unlock()

	b.wireOnce.Do(b.wireStream)
	for _, name := range []string{
		binance.KlineStream(b.cfg.Symbol, b.cfg.Interval),
		binance.TradeStream(b.cfg.Symbol),
	} {
		if err := b.stream.Subscribe(name); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}

	b.running.Store(true)
	b.stopCh = make(chan struct{})
	b.timer = time.NewTicker(b.cfg.EvalInterval)
	go b.evalLoop(b.timer, b.stopCh)
	b.stream.Init()

	b.logger.WithFields(logrus.Fields{
		"symbol":   b.cfg.Symbol,
		"interval": b.cfg.Interval,
		"mode":     b.positions.Mode(),
		"candles":  len(history),
	}).Info("Bot started")
	b.publish(Event{Kind: EventBotStarted, Message: "bot started"})
	return nil
}

// Stop cancels the evaluation timer and closes the stream. It returns false
// when the bot was not running.
func (b *Bot) Stop() bool {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.running.Load() {
		b.logger.Debug("Stop requested while not running")
		return false
	}
	b.running.Store(false)
	b.timer.Stop()
	close(b.stopCh)
	b.stream.Close()

	b.save()
	b.logger.Info("Bot stopped")
	b.publish(Event{Kind: EventBotStopped, Message: "bot stopped"})
	return true
}

func (b *Bot) Running() bool {
	return b.running.Load()
}

// Reset clears positions, trades and PnL and persists the cleared state.
func (b *Bot) Reset() {
	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()
	b.positions.Reset()
	b.lastSignal = make(map[models.Action]int64)
	b.save()
}

func (b *Bot) Subscribe(n Notifier) {
	b.notifyMu.Lock()
	b.notifiers = append(b.notifiers, n)
	b.notifyMu.Unlock()
}

func (b *Bot) Events() []Event {
	return b.events.list()
}

func (b *Bot) Positions() *PositionManager {
	return b.positions
}

func (b *Bot) Settings() Settings {
	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()
	return b.settings
}

// UpdateSettings validates and applies a new strategy selection. An unknown
// strategy name is accepted and evaluated as combined.
func (b *Bot) UpdateSettings(ctx context.Context, s Settings) error {
	name := b.resolveStrategy(s.Strategy)
	if err := s.Params.Validate(name); err != nil {
		return err
	}

	b.pipelineMu.Lock()
	b.settings = s
	b.lastSignal = make(map[models.Action]int64)
	b.pipelineMu.Unlock()

	if b.store == nil {
		return nil
	}
	if err := b.store.Save(ctx, settingsKey, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// resolveStrategy returns the strategy name evaluation will use, warning once
// per selection when name is unknown.
func (b *Bot) resolveStrategy(name string) string {
	resolved, ok := b.engine.Resolve(name)
	if !ok {
		b.logger.WithFields(logrus.Fields{
			"strategy": name,
			"fallback": resolved.Name(),
		}).Warn("Unknown strategy, falling back")
	}
	return resolved.Name()
}

func (b *Bot) Status() BotStatus {
	b.pipelineMu.Lock()
	candles, price, name := b.window.Len(), b.lastPrice, b.settings.Strategy
	b.pipelineMu.Unlock()

	return BotStatus{
		Running:       b.Running(),
		Mode:          b.positions.Mode(),
		Symbol:        b.cfg.Symbol,
		Interval:      b.cfg.Interval,
		Strategy:      name,
		Candles:       candles,
		LastPrice:     price,
		OpenPositions: len(b.positions.Positions()),
		PnL:           b.positions.PnL(),
		Stream:        b.stream.Status(),
	}
}

// Indicators computes every indicator over the current window with the
// active parameters.
func (b *Bot) Indicators() (indicators.Set, error) {
	b.pipelineMu.Lock()
	candles := b.window.Candles()
	p := b.settings.Params
	b.pipelineMu.Unlock()

	out := indicators.Set{}
	macd, err := indicators.MACD(candles, p.MACD)
	if err != nil {
		return nil, err
	}
	rsi, err := indicators.RSI(candles, p.RSI)
	if err != nil {
		return nil, err
	}
	bb, err := indicators.Bollinger(candles, p.BB)
	if err != nil {
		return nil, err
	}
	for _, set := range []indicators.Set{macd, rsi, bb} {
		for label, series := range set {
			out[label] = series
		}
	}
	return out, nil
}

func (b *Bot) wireStream() {
	b.stream.OnKline(b.onKline)
	b.stream.OnTrade(b.onTrade)
	b.stream.OnError(b.onStreamError)
	b.stream.OnState(func(ev binance.StateEvent) {
		msg := string(ev.State)
		if ev.State == binance.StateReconnecting {
			msg = fmt.Sprintf("reconnecting in %s (attempt %d)", ev.Delay, ev.Attempt)
		}
		b.publish(Event{Kind: EventConnection, Message: msg})
	})
}

func (b *Bot) onKline(ev binance.KlineEvent) {
	if !b.Running() || ev.Interval != b.cfg.Interval {
		return
	}
	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()

	if !b.window.Upsert(ev.Candle) {
		return
	}
	b.lastPrice = ev.Candle.Close
	b.runLocked(ev.Candle.Close)
}

// onTrade only runs the exit checks: a trade tick never changes the window.
func (b *Bot) onTrade(ev binance.TradeEvent) {
	if !b.Running() {
		return
	}
	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()

	b.lastPrice = ev.Tick.Price
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OrderTimeout)
	defer cancel()
	if b.checkExitsLocked(ctx, ev.Tick.Price) {
		b.save()
	}
}

func (b *Bot) onStreamError(ev binance.ErrorEvent) {
	if !ev.Terminal {
		b.logger.WithError(ev.Err).Debug("Stream error")
		return
	}
	b.logger.WithError(ev.Err).Error("Market data lost, stopping trading")
	b.publish(Event{Kind: EventError, Message: "market data stream lost; trading stopped", Error: ev.Err.Error()})
	b.Stop()
}

func (b *Bot) evalLoop(t *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.tick()
		}
	}
}

func (b *Bot) tick() {
	if !b.Running() {
		return
	}
	b.pipelineMu.Lock()
	defer b.pipelineMu.Unlock()

	if b.window.Len() == 0 {
		return
	}
	b.runLocked(b.lastPrice)
}

// runLocked evaluates the active strategy, runs the exit checks at price and
// then executes the signal, if any.
func (b *Bot) runLocked(price float64) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OrderTimeout)
	defer cancel()

	sig, err := b.engine.Evaluate(b.settings.Strategy, b.settings.Params, b.window.Candles())
	if err != nil {
		b.logger.WithError(err).WithField("strategy", b.settings.Strategy).Error("Strategy evaluation failed")
		b.publish(Event{Kind: EventError, Message: "strategy evaluation failed", Error: err.Error()})
	}

	changed := b.checkExitsLocked(ctx, price)

	if sig != nil && b.lastSignal[sig.Action] != sig.CandleTime {
		b.lastSignal[sig.Action] = sig.CandleTime
		b.publish(Event{Kind: EventSignal, Message: sig.Reason, Signal: sig})
		if b.executeLocked(ctx, *sig) {
			changed = true
		}
	}

	if changed {
		b.save()
	}
}

func (b *Bot) checkExitsLocked(ctx context.Context, price float64) bool {
	closed := b.positions.CheckExitConditions(ctx, price)
	for i := range closed {
		trade := closed[i]
		b.publish(Event{Kind: EventPositionClosed, Message: trade.Reason, Trade: &trade})
	}
	return len(closed) > 0
}

// executeLocked hands sig to the position manager. Risk-gate rejections are
// logged and published; they are not failures.
func (b *Bot) executeLocked(ctx context.Context, sig models.Signal) bool {
	res, err := b.positions.Execute(ctx, sig)
	if err != nil {
		level, kind := logrus.WarnLevel, EventSignalRejected
		if !isRejection(err) {
			level, kind = logrus.ErrorLevel, EventError
		}
		b.logger.WithError(err).WithField("action", sig.Action).Log(level, "Signal not executed")
		b.publish(Event{Kind: kind, Message: "signal not executed", Signal: &sig, Error: err.Error()})
		return false
	}

	switch {
	case res.Opened != nil:
		b.publish(Event{Kind: EventPositionOpened, Message: sig.Reason, Signal: &sig, Position: res.Opened})
	case res.Closed != nil:
		b.publish(Event{Kind: EventPositionClosed, Message: sig.Reason, Signal: &sig, Trade: res.Closed})
	}
	return true
}

func isRejection(err error) bool {
	return errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrMaxPositions) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrQuantityTooSmall)
}

func (b *Bot) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.events.add(ev)

	b.notifyMu.RLock()
	notifiers := append([]Notifier(nil), b.notifiers...)
	b.notifyMu.RUnlock()

	for _, n := range notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithField("event", ev.Kind).Errorf("Notifier panicked: %v", r)
				}
			}()
			n.Notify(ev)
		}()
	}
}

func (b *Bot) save() {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.Save(ctx, b.stateKey(), b.positions.Snapshot()); err != nil {
		b.logger.WithError(err).Error("Failed to save state snapshot")
	}
}

func (b *Bot) restore(ctx context.Context) {
	if b.store == nil {
		return
	}

	var s Settings
	switch err := b.store.Load(ctx, settingsKey, &s); {
	case err == nil:
		b.resolveStrategy(s.Strategy)
		b.pipelineMu.Lock()
		b.settings = s
		b.pipelineMu.Unlock()
	case !errors.Is(err, store.ErrNotFound):
		b.logger.WithError(err).Warn("Failed to load settings snapshot")
	}

	var state State
	switch err := b.store.Load(ctx, b.stateKey(), &state); {
	case err == nil:
		if err := b.positions.Restore(state); err != nil {
			b.logger.WithError(err).Warn("Ignoring state snapshot")
			return
		}
		b.logger.WithFields(logrus.Fields{
			"positions": len(state.Positions),
			"trades":    len(state.Trades),
		}).Info("Restored state snapshot")
	case !errors.Is(err, store.ErrNotFound):
		b.logger.WithError(err).Warn("Failed to load state snapshot")
	}
}
