package binance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	eventKline      = "kline"
	eventTrade      = "trade"
	eventTicker24h  = "24hrTicker"
	eventBookTicker = "bookTicker"
)

var errMalformedFrame = errors.New("malformed frame")

// fields decodes a frame keyed exactly by name. Binance payloads reuse keys
// that differ only in case ("t"/"T", "l"/"L"), which struct decoding would
// conflate.
type fields map[string]json.RawMessage

func (f fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

func (f fields) str(key string) (string, error) {
	raw, ok := f[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", errMalformedFrame, key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: %q: %v", errMalformedFrame, key, err)
	}
	return v, nil
}

// num parses a decimal that Binance sends as a JSON string.
func (f fields) num(key string) (float64, error) {
	v, err := f.str(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", errMalformedFrame, key, err)
	}
	return n, nil
}

func (f fields) integer(key string) (int64, error) {
	raw, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", errMalformedFrame, key)
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", errMalformedFrame, key, err)
	}
	return v, nil
}

func (f fields) flag(key string) bool {
	var v bool
	_ = json.Unmarshal(f[key], &v)
	return v
}

func (f fields) obj(key string) (fields, error) {
	raw, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", errMalformedFrame, key)
	}
	var v fields
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errMalformedFrame, key, err)
	}
	return v, nil
}

// dispatch classifies one inbound frame and fans it out. Malformed frames are
// logged and skipped.
func (s *Stream) dispatch(data []byte) {
	if err := s.classify(data); err != nil {
		s.logger.WithError(err).WithField("frame", truncate(data, 256)).Warn("Skipping stream frame")
	}
}

func (s *Stream) classify(data []byte) error {
	var frame fields
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	var stream string
	if frame.has("stream") && frame.has("data") {
		stream, _ = frame.str("stream")
		data = frame["data"]
		inner, err := frame.obj("data")
		if err != nil {
			return err
		}
		frame = inner
	}

	if frame.has("result") && frame.has("id") {
		id, _ := frame.integer("id")
		if bytes.Equal(bytes.TrimSpace(frame["result"]), []byte("null")) {
			s.logger.WithField("id", id).Debug("Subscription acknowledged")
		} else {
			s.logger.WithField("id", id).Debugf("Control response: %s", frame["result"])
		}
		return nil
	}
	if frame.has("error") {
		err := fmt.Errorf("feed error: %s", frame["error"])
		s.emitError(ErrorEvent{Err: err})
		return nil
	}

	emit(s.logger, &s.listeners.mu, &s.listeners.message, "message", json.RawMessage(data))

	event, _ := frame.str("e")
	if event == "" && strings.HasSuffix(stream, "@"+eventBookTicker) {
		event = eventBookTicker
	}

	switch event {
	case eventKline:
		ev, err := parseKline(frame)
		if err != nil {
			return err
		}
		emit(s.logger, &s.listeners.mu, &s.listeners.kline, eventKline, ev)
	case eventTrade:
		ev, err := parseTrade(frame)
		if err != nil {
			return err
		}
		emit(s.logger, &s.listeners.mu, &s.listeners.trade, eventTrade, ev)
	case eventTicker24h, eventBookTicker:
		ev, err := parseTicker(event, frame)
		if err != nil {
			return err
		}
		emit(s.logger, &s.listeners.mu, &s.listeners.ticker, event, ev)
	default:
		if s.logger.IsLevelEnabled(logrus.TraceLevel) {
			s.logger.WithField("event", event).Trace("Unclassified frame")
		}
	}
	return nil
}

func parseKline(f fields) (KlineEvent, error) {
	var ev KlineEvent
	k, err := f.obj("k")
	if err != nil {
		return ev, err
	}
	if ev.Symbol, err = k.str("s"); err != nil {
		return ev, err
	}
	if ev.Interval, err = k.str("i"); err != nil {
		return ev, err
	}
	c := &ev.Candle
	if c.OpenTime, err = k.integer("t"); err != nil {
		return ev, err
	}
	if c.CloseTime, err = k.integer("T"); err != nil {
		return ev, err
	}
	for key, dst := range map[string]*float64{"o": &c.Open, "h": &c.High, "l": &c.Low, "c": &c.Close, "v": &c.Volume} {
		if *dst, err = k.num(key); err != nil {
			return ev, err
		}
	}
	ev.Closed = k.flag("x")
	if ms, err := f.integer("E"); err == nil {
		ev.EventTime = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}

func parseTrade(f fields) (TradeEvent, error) {
	var ev TradeEvent
	var err error
	t := &ev.Tick
	if t.Symbol, err = f.str("s"); err != nil {
		return ev, err
	}
	if t.Price, err = f.num("p"); err != nil {
		return ev, err
	}
	if t.Quantity, err = f.num("q"); err != nil {
		return ev, err
	}
	if t.TradeID, err = f.integer("t"); err != nil {
		return ev, err
	}
	ms, err := f.integer("T")
	if err != nil {
		return ev, err
	}
	t.Timestamp = time.UnixMilli(ms).UTC()
	t.IsBuyerMaker = f.flag("m")
	if ms, err := f.integer("E"); err == nil {
		ev.EventTime = time.UnixMilli(ms).UTC()
	}
	return ev, nil
}

func parseTicker(kind string, f fields) (TickerEvent, error) {
	ev := TickerEvent{Kind: kind}
	var err error
	t := &ev.Ticker
	if t.Symbol, err = f.str("s"); err != nil {
		return ev, err
	}
	if t.BidPrice, err = f.num("b"); err != nil {
		return ev, err
	}
	if t.AskPrice, err = f.num("a"); err != nil {
		return ev, err
	}
	if kind == eventTicker24h {
		if t.LastPrice, err = f.num("c"); err != nil {
			return ev, err
		}
		if t.Volume24h, err = f.num("v"); err != nil {
			return ev, err
		}
	}
	if ms, err := f.integer("E"); err == nil {
		t.Timestamp = time.UnixMilli(ms).UTC()
	} else {
		t.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
