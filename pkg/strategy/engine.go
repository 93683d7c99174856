// Package strategy turns indicator series into discrete trade signals.
package strategy

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/streambot/pkg/models"
)

type Engine struct {
	strategies map[string]Strategy
	logger     *logrus.Logger
	now        func() time.Time
}

func NewEngine(logger *logrus.Logger) *Engine {
	e := &Engine{
		strategies: make(map[string]Strategy),
		logger:     logger,
		now:        time.Now,
	}
	for _, s := range []Strategy{macdStrategy{}, rsiStrategy{}, bollingerStrategy{}, combinedStrategy{}} {
		e.strategies[s.Name()] = s
	}
	return e
}

// Resolve returns the named strategy. Unknown names resolve to combined and
// report ok=false.
func (e *Engine) Resolve(name string) (Strategy, bool) {
	if s, ok := e.strategies[name]; ok {
		return s, true
	}
	return e.strategies[NameCombined], false
}

func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs one strategy over candles. A nil signal with a nil error means
// no crossover happened or there is not enough history yet.
func (e *Engine) Evaluate(name string, p Params, candles []models.Candle) (*models.Signal, error) {
	s, ok := e.Resolve(name)
	if !ok {
		e.logger.WithField("strategy", name).Debug("Unknown strategy, evaluating combined")
	}
	if err := p.Validate(s.Name()); err != nil {
		return nil, err
	}
	if len(candles) < s.Lookback(p) {
		return nil, nil
	}

	action, reason, err := s.Evaluate(candles, p)
	if err != nil {
		return nil, err
	}
	if action == "" {
		return nil, nil
	}

	last := candles[len(candles)-1]
	return &models.Signal{
		Action:     action,
		Price:      last.Close,
		Reason:     reason,
		Strategy:   s.Name(),
		CandleTime: last.OpenTime,
		CreatedAt:  e.now().UTC(),
	}, nil
}
