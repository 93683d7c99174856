package indicators

import (
	"fmt"

	"github.com/gregtusar/streambot/pkg/models"
)

const (
	LabelMACDLine   = "macdLine"
	LabelSignalLine = "signalLine"
	LabelHistogram  = "histogram"
)

type MACDParams struct {
	FastPeriod   int `json:"fastPeriod" mapstructure:"fast_period"`
	SlowPeriod   int `json:"slowPeriod" mapstructure:"slow_period"`
	SignalPeriod int `json:"signalPeriod" mapstructure:"signal_period"`
}

func (p MACDParams) Validate() error {
	if err := checkPeriod("macd fast", p.FastPeriod); err != nil {
		return err
	}
	if err := checkPeriod("macd slow", p.SlowPeriod); err != nil {
		return err
	}
	if err := checkPeriod("macd signal", p.SignalPeriod); err != nil {
		return err
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("macd fast period %d must be below slow period %d: %w", p.FastPeriod, p.SlowPeriod, ErrInvalidPeriod)
	}
	return nil
}

// Lookback is the number of candles needed before the histogram is defined.
func (p MACDParams) Lookback() int {
	return p.SlowPeriod + p.SignalPeriod - 1
}

// MACD returns the MACD line (fast EMA - slow EMA), its signal line (EMA of
// the defined MACD suffix, re-padded) and the histogram. Histogram positions
// are undefined wherever either input is.
func MACD(candles []models.Candle, p MACDParams) (Set, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	closes := models.Closes(candles)
	fast, err := EMA(closes, p.FastPeriod)
	if err != nil {
		return nil, err
	}
	slow, err := EMA(closes, p.SlowPeriod)
	if err != nil {
		return nil, err
	}

	line := undefinedSeries(len(closes))
	for i := range closes {
		if IsDefined(fast[i]) && IsDefined(slow[i]) {
			line[i] = fast[i] - slow[i]
		}
	}

	signal, err := EMA(line, p.SignalPeriod)
	if err != nil {
		return nil, err
	}

	hist := undefinedSeries(len(closes))
	for i := range closes {
		if IsDefined(line[i]) && IsDefined(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}

	return Set{
		LabelMACDLine:   line,
		LabelSignalLine: signal,
		LabelHistogram:  hist,
	}, nil
}
