package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrEmptyStreamName  = errors.New("empty stream name")
	ErrControlQueueFull = errors.New("control frame queue full")
)

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"

	writeWait    = 10 * time.Second
	outboxLength = 256
)

type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// ControlRate caps outbound frames per second. Binance drops
	// connections that send more than 5.
	ControlRate float64 `mapstructure:"control_rate"`
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.URL == "" {
		c.URL = "wss://stream.binance.com:9443/ws"
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ControlRate <= 0 {
		c.ControlRate = 5
	}
	return c
}

type StreamStatus struct {
	URL           string    `json:"url"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	LastMessage   time.Time `json:"lastMessage"`
	Subscriptions []string  `json:"subscriptions"`
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscription struct {
	name string
	id   int64
}

// Stream is a single websocket connection to the market-data feed. It keeps
// an ordered set of subscriptions, replays it after every successful open and
// reconnects with linear backoff after unexpected closes. None of its methods
// block on network I/O.
type Stream struct {
	cfg     StreamConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *logrus.Logger

	// after schedules f after d and returns a function that cancels it.
	// It must not call f synchronously.
	after func(d time.Duration, f func()) (stop func() bool)

	mu          sync.Mutex
	state       State
	gen         uint64
	conn        *websocket.Conn
	cancel      context.CancelFunc
	outbox      chan []byte
	retry       func() bool
	attempts    int
	subs        []subscription
	nextID      int64
	lastMessage time.Time

	listeners listeners
}

func NewStream(cfg StreamConfig, logger *logrus.Logger) *Stream {
	cfg = cfg.withDefaults()
	return &Stream{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlRate), 1),
		logger:  logger,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		state: StateDisconnected,
	}
}

// KlineStream composes "<symbol>@kline_<interval>".
func KlineStream(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

func TradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// Init tears down any existing connection or pending retry and opens a new
// connection in the background. The retry counter resets only once an open
// succeeds.
func (s *Stream) Init() {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	s.emitState(StateEvent{State: StateConnecting})
	go s.dial(gen)
}

// Close drops the connection without scheduling a reconnect.
func (s *Stream) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if changed {
		s.emitState(StateEvent{State: StateDisconnected})
	}
}

// Subscribe adds name to the subscription set. When connected the SUBSCRIBE
// frame is queued immediately; otherwise it is sent on the next open.
func (s *Stream) Subscribe(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyStreamName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(name) >= 0 {
		return nil
	}
	s.nextID++
	sub := subscription{name: name, id: s.nextID}
	s.subs = append(s.subs, sub)

	if s.state != StateConnected {
		return nil
	}
	return s.enqueueLocked(methodSubscribe, sub)
}

func (s *Stream) Unsubscribe(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(name)
	if i < 0 {
		return nil
	}
	sub := s.subs[i]
	s.subs = slices.Delete(s.subs, i, i+1)

	if s.state != StateConnected {
		return nil
	}
	return s.enqueueLocked(methodUnsubscribe, sub)
}

func (s *Stream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.subs))
	for i, sub := range s.subs {
		names[i] = sub.name
	}
	return StreamStatus{
		URL:           s.cfg.URL,
		State:         s.state,
		Attempts:      s.attempts,
		LastMessage:   s.lastMessage,
		Subscriptions: names,
	}
}

func (s *Stream) indexLocked(name string) int {
	return slices.IndexFunc(s.subs, func(sub subscription) bool { return sub.name == name })
}

func (s *Stream) enqueueLocked(method string, sub subscription) error {
	frame, err := json.Marshal(controlFrame{Method: method, Params: []string{sub.name}, ID: sub.id})
	if err != nil {
		return err
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return fmt.Errorf("%s %s: %w", method, sub.name, ErrControlQueueFull)
	}
}

func (s *Stream) teardownLocked() {
	if s.retry != nil {
		s.retry()
		s.retry = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.outbox = nil
}

func (s *Stream) dial(gen uint64) {
	conn, _, err := s.dialer.Dial(s.cfg.URL, nil)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		attempt := s.attempts
		s.mu.Unlock()
		s.logger.WithError(err).WithField("url", s.cfg.URL).Warn("Failed to connect to stream")
		s.emitError(ErrorEvent{Err: fmt.Errorf("dial %s: %w", s.cfg.URL, err), Attempt: attempt})
		s.handleDrop(gen)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.outbox = make(chan []byte, outboxLength)
	s.attempts = 0
	s.state = StateConnected
	s.lastMessage = time.Now()

	replay := make([][]byte, 0, len(s.subs))
	for _, sub := range s.subs {
		frame, err := json.Marshal(controlFrame{Method: methodSubscribe, Params: []string{sub.name}, ID: sub.id})
		if err != nil {
			continue
		}
		replay = append(replay, frame)
	}
	outbox := s.outbox
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"url":           s.cfg.URL,
		"subscriptions": len(replay),
	}).Info("Stream connected")
	s.emitState(StateEvent{State: StateConnected})

	go s.writeLoop(ctx, conn, replay, outbox)
	go s.readLoop(gen, conn)
}

// handleDrop schedules the next attempt after BaseDelay*attempt, or surfaces
// a terminal error once MaxAttempts is exceeded.
func (s *Stream) handleDrop(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.gen++
	next := s.gen
	s.attempts++
	attempt := s.attempts

	if attempt > s.cfg.MaxAttempts {
		s.state = StateDisconnected
		s.mu.Unlock()

		s.logger.WithField("attempts", s.cfg.MaxAttempts).Error("Stream reconnect budget exhausted")
		s.emitState(StateEvent{State: StateDisconnected})
		s.emitError(ErrorEvent{
			Err:      fmt.Errorf("%s after %d attempts: %w", s.cfg.URL, s.cfg.MaxAttempts, ErrRetriesExhausted),
			Terminal: true,
			Attempt:  s.cfg.MaxAttempts,
		})
		return
	}

	delay := s.cfg.BaseDelay * time.Duration(attempt)
	s.state = StateReconnecting
	s.retry = s.after(delay, func() { s.redial(next) })
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Warn("Stream disconnected, reconnecting")
	s.emitState(StateEvent{State: StateDisconnected})
	s.emitState(StateEvent{State: StateReconnecting, Attempt: attempt, Delay: delay})
}

func (s *Stream) redial(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.state = StateConnecting
	s.mu.Unlock()

	s.emitState(StateEvent{State: StateConnecting})
	s.dial(gen)
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastMessage = time.Now()
	s.mu.Unlock()
}

func (s *Stream) readLoop(gen uint64, conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		s.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.WithError(err).Debug("Failed to answer ping")
		}
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			current := gen == s.gen
			s.mu.Unlock()
			if current {
				s.logger.WithError(err).Warn("Stream read failed")
				s.emitError(ErrorEvent{Err: fmt.Errorf("read: %w", err)})
			}
			s.handleDrop(gen)
			return
		}
		s.touch()
		s.dispatch(data)
	}
}

// writeLoop owns all data writes on conn: the replayed subscriptions first,
// then queued control frames and keep-alive pings.
func (s *Stream) writeLoop(ctx context.Context, conn *websocket.Conn, replay [][]byte, outbox <-chan []byte) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	write := func(frame []byte) bool {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.WithError(err).Error("Failed to write control frame")
			conn.Close()
			return false
		}
		return true
	}

	for _, frame := range replay {
		if !write(frame) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-outbox:
			if !write(frame) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.WithError(err).Error("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}
