package trader

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/streambot/pkg/models"
)

type EventKind string

const (
	EventBotStarted     EventKind = "bot_started"
	EventBotStopped     EventKind = "bot_stopped"
	EventSignal         EventKind = "signal"
	EventSignalRejected EventKind = "signal_rejected"
	EventPositionOpened EventKind = "position_opened"
	EventPositionClosed EventKind = "position_closed"
	EventConnection     EventKind = "connection"
	EventError          EventKind = "error"
)

// Event is a structured pipeline result for notifiers and the status API.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Time     time.Time        `json:"time"`
	Message  string           `json:"message,omitempty"`
	Signal   *models.Signal   `json:"signal,omitempty"`
	Position *models.Position `json:"position,omitempty"`
	Trade    *models.Trade    `json:"trade,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Notifier receives every event the bot emits. Delivery failures are the
// notifier's own concern.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// LogNotifier writes events to a logrus logger.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(ev Event) {
	entry := n.Logger.WithField("event", ev.Kind)
	if ev.Signal != nil {
		entry = entry.WithFields(logrus.Fields{
			"action":   ev.Signal.Action,
			"price":    ev.Signal.Price,
			"strategy": ev.Signal.Strategy,
			"reason":   ev.Signal.Reason,
		})
	}
	if ev.Trade != nil {
		entry = entry.WithFields(logrus.Fields{
			"position_id": ev.Trade.PositionID,
			"pnl":         ev.Trade.PnL,
		})
	} else if ev.Position != nil {
		entry = entry.WithField("position_id", ev.Position.ID)
	}

	switch ev.Kind {
	case EventError:
		entry.WithField("error", ev.Error).Error(ev.Message)
	case EventSignalRejected:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}
}

// eventLog keeps the most recent events in arrival order.
type eventLog struct {
	mu     sync.Mutex
	size   int
	events []Event
}

func newEventLog(size int) *eventLog {
	return &eventLog{size: size}
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > l.size {
		l.events = append(l.events[:0], l.events[len(l.events)-l.size:]...)
	}
}

func (l *eventLog) list() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
