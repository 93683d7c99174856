package binance

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/streambot/pkg/models"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type StateEvent struct {
	State State
	// Attempt and Delay are set on StateReconnecting.
	Attempt int
	Delay   time.Duration
}

// ErrorEvent reports a transport or protocol failure. Terminal is set once the
// reconnect budget is exhausted; the stream then stays disconnected until the
// next Init.
type ErrorEvent struct {
	Err      error
	Terminal bool
	Attempt  int
}

type KlineEvent struct {
	Symbol    string
	Interval  string
	Candle    models.Candle
	Closed    bool
	EventTime time.Time
}

type TradeEvent struct {
	Tick      models.Tick
	EventTime time.Time
}

// TickerEvent carries either a 24hrTicker or a bookTicker update. Book updates
// leave LastPrice and Volume24h zero.
type TickerEvent struct {
	Kind   string
	Ticker models.Ticker
}

type listeners struct {
	mu      sync.RWMutex
	state   []func(StateEvent)
	errs    []func(ErrorEvent)
	kline   []func(KlineEvent)
	trade   []func(TradeEvent)
	ticker  []func(TickerEvent)
	message []func(json.RawMessage)
}

func (s *Stream) OnState(fn func(StateEvent)) {
	s.listeners.mu.Lock()
	s.listeners.state = append(s.listeners.state, fn)
	s.listeners.mu.Unlock()
}

func (s *Stream) OnError(fn func(ErrorEvent)) {
	s.listeners.mu.Lock()
	s.listeners.errs = append(s.listeners.errs, fn)
	s.listeners.mu.Unlock()
}

func (s *Stream) OnKline(fn func(KlineEvent)) {
	s.listeners.mu.Lock()
	s.listeners.kline = append(s.listeners.kline, fn)
	s.listeners.mu.Unlock()
}

func (s *Stream) OnTrade(fn func(TradeEvent)) {
	s.listeners.mu.Lock()
	s.listeners.trade = append(s.listeners.trade, fn)
	s.listeners.mu.Unlock()
}

func (s *Stream) OnTicker(fn func(TickerEvent)) {
	s.listeners.mu.Lock()
	s.listeners.ticker = append(s.listeners.ticker, fn)
	s.listeners.mu.Unlock()
}

// OnMessage receives every decoded frame, before classification.
func (s *Stream) OnMessage(fn func(json.RawMessage)) {
	s.listeners.mu.Lock()
	s.listeners.message = append(s.listeners.message, fn)
	s.listeners.mu.Unlock()
}

// emit calls each handler in registration order. A panicking handler is
// logged and does not stop the others.
func emit[T any](logger *logrus.Logger, mu *sync.RWMutex, handlers *[]func(T), kind string, ev T) {
	mu.RLock()
	hs := append([]func(T)(nil), (*handlers)...)
	mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("event", kind).Errorf("Listener panicked: %v", r)
				}
			}()
			h(ev)
		}()
	}
}

func (s *Stream) emitState(ev StateEvent) {
	emit(s.logger, &s.listeners.mu, &s.listeners.state, "state", ev)
}

func (s *Stream) emitError(ev ErrorEvent) {
	emit(s.logger, &s.listeners.mu, &s.listeners.errs, "error", ev)
}
