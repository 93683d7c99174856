package indicators

import (
	"fmt"
	"math"

	"github.com/gregtusar/streambot/pkg/models"
)

const (
	LabelMiddleBand = "middleBand"
	LabelUpperBand  = "upperBand"
	LabelLowerBand  = "lowerBand"
	LabelBandwidth  = "bandwidth"
)

type BollingerParams struct {
	Period int     `json:"period" mapstructure:"period"`
	StdDev float64 `json:"stdDev" mapstructure:"std_dev"`
}

func (p BollingerParams) Validate() error {
	if err := checkPeriod("bollinger", p.Period); err != nil {
		return err
	}
	if p.StdDev <= 0 {
		return fmt.Errorf("bollinger std dev multiplier %v must be positive", p.StdDev)
	}
	return nil
}

func (p BollingerParams) Lookback() int {
	return p.Period
}

// Bollinger uses the population standard deviation of the trailing window.
// Bandwidth is undefined when the middle band is zero.
func Bollinger(candles []models.Candle, p BollingerParams) (Set, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	closes := models.Closes(candles)
	middle, err := SMA(closes, p.Period)
	if err != nil {
		return nil, err
	}
	upper := undefinedSeries(len(closes))
	lower := undefinedSeries(len(closes))
	width := undefinedSeries(len(closes))

	for i := p.Period - 1; i < len(closes); i++ {
		mean := middle[i]
		if !IsDefined(mean) {
			continue
		}
		var sq float64
		for _, v := range closes[i-p.Period+1 : i+1] {
			d := v - mean
			sq += d * d
		}
		half := p.StdDev * math.Sqrt(sq/float64(p.Period))
		upper[i] = mean + half
		lower[i] = mean - half
		if mean != 0 {
			width[i] = (upper[i] - lower[i]) / mean
		}
	}

	return Set{
		LabelMiddleBand: middle,
		LabelUpperBand:  upper,
		LabelLowerBand:  lower,
		LabelBandwidth:  width,
	}, nil
}
