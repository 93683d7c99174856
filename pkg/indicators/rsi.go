package indicators

import (
	"fmt"

	"github.com/gregtusar/streambot/pkg/models"
)

const LabelRSI = "rsi"

type RSIParams struct {
	Period     int     `json:"period" mapstructure:"period"`
	Overbought float64 `json:"overbought" mapstructure:"overbought"`
	Oversold   float64 `json:"oversold" mapstructure:"oversold"`
}

func (p RSIParams) Validate() error {
	if err := checkPeriod("rsi", p.Period); err != nil {
		return err
	}
	if p.Oversold < 0 || p.Overbought > 100 || p.Oversold >= p.Overbought {
		return fmt.Errorf("rsi thresholds oversold=%v overbought=%v must satisfy 0 <= oversold < overbought <= 100", p.Oversold, p.Overbought)
	}
	return nil
}

// Lookback is period+1: period price changes need period+1 closes.
func (p RSIParams) Lookback() int {
	return p.Period + 1
}

// RSI averages gains and losses with a simple moving average over period
// changes. An average loss of exactly zero yields 100.
func RSI(candles []models.Candle, p RSIParams) (Set, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	closes := models.Closes(candles)
	out := undefinedSeries(len(closes))
	if len(closes) < p.Lookback() {
		return Set{LabelRSI: out}, nil
	}

	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change >= 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	for i := p.Period; i < len(closes); i++ {
		var gain, loss float64
		for j := i - p.Period + 1; j <= i; j++ {
			gain += gains[j]
			loss += losses[j]
		}
		avgGain := gain / float64(p.Period)
		avgLoss := loss / float64(p.Period)
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return Set{LabelRSI: out}, nil
}
