package strategy

import (
	"github.com/gregtusar/streambot/pkg/indicators"
	"github.com/gregtusar/streambot/pkg/models"
)

const (
	NameMACD      = "macd"
	NameRSI       = "rsi"
	NameBollinger = "bb"
	NameCombined  = "combined"
)

// Reason tags attached to signals.
const (
	ReasonMACDCrossUp       = "macd_histogram_cross_up"
	ReasonMACDCrossDown     = "macd_histogram_cross_down"
	ReasonRSIOversoldExit   = "rsi_cross_above_oversold"
	ReasonRSIOverboughtExit = "rsi_cross_below_overbought"
	ReasonBBLowerReentry    = "bb_cross_above_lower_band"
	ReasonBBUpperReentry    = "bb_cross_below_upper_band"
	ReasonCombinedBuy       = "combined_macd_up_rsi_confirmed"
	ReasonCombinedSell      = "combined_macd_down_rsi_confirmed"
)

// Strategy inspects the last two defined values of its series and reports a
// crossover, or nothing.
type Strategy interface {
	Name() string
	// Lookback is the minimum number of candles Evaluate needs.
	Lookback(p Params) int
	Evaluate(candles []models.Candle, p Params) (models.Action, string, error)
}

type macdStrategy struct{}

func (macdStrategy) Name() string { return NameMACD }

func (macdStrategy) Lookback(p Params) int { return p.MACD.Lookback() + 1 }

func (macdStrategy) Evaluate(candles []models.Candle, p Params) (models.Action, string, error) {
	set, err := indicators.MACD(candles, p.MACD)
	if err != nil {
		return "", "", err
	}
	switch histogramCross(set[indicators.LabelHistogram]) {
	case models.ActionBuy:
		return models.ActionBuy, ReasonMACDCrossUp, nil
	case models.ActionSell:
		return models.ActionSell, ReasonMACDCrossDown, nil
	}
	return "", "", nil
}

type rsiStrategy struct{}

func (rsiStrategy) Name() string { return NameRSI }

func (rsiStrategy) Lookback(p Params) int { return p.RSI.Lookback() + 1 }

func (rsiStrategy) Evaluate(candles []models.Candle, p Params) (models.Action, string, error) {
	set, err := indicators.RSI(candles, p.RSI)
	if err != nil {
		return "", "", err
	}
	last, ok := set[indicators.LabelRSI].Last(2)
	if !ok {
		return "", "", nil
	}
	prev, cur := last[0], last[1]
	if prev < p.RSI.Oversold && cur >= p.RSI.Oversold {
		return models.ActionBuy, ReasonRSIOversoldExit, nil
	}
	if prev > p.RSI.Overbought && cur <= p.RSI.Overbought {
		return models.ActionSell, ReasonRSIOverboughtExit, nil
	}
	return "", "", nil
}

type bollingerStrategy struct{}

func (bollingerStrategy) Name() string { return NameBollinger }

func (bollingerStrategy) Lookback(p Params) int { return p.BB.Lookback() + 1 }

func (bollingerStrategy) Evaluate(candles []models.Candle, p Params) (models.Action, string, error) {
	set, err := indicators.Bollinger(candles, p.BB)
	if err != nil {
		return "", "", err
	}
	n := len(candles)
	if n < 2 {
		return "", "", nil
	}
	lower, upper := set[indicators.LabelLowerBand], set[indicators.LabelUpperBand]
	i, j := n-2, n-1
	if !indicators.IsDefined(lower[i]) || !indicators.IsDefined(lower[j]) {
		return "", "", nil
	}
	prevPrice, curPrice := candles[i].Close, candles[j].Close
	if prevPrice < lower[i] && curPrice >= lower[j] {
		return models.ActionBuy, ReasonBBLowerReentry, nil
	}
	if prevPrice > upper[i] && curPrice <= upper[j] {
		return models.ActionSell, ReasonBBUpperReentry, nil
	}
	return "", "", nil
}

// combinedStrategy requires a MACD histogram crossover confirmed by RSI in
// the same evaluation: RSI < overbought for BUY, RSI > oversold for SELL.
type combinedStrategy struct{}

func (combinedStrategy) Name() string { return NameCombined }

func (combinedStrategy) Lookback(p Params) int {
	return max(p.MACD.Lookback()+1, CombinedRSI.Lookback()+1)
}

func (combinedStrategy) Evaluate(candles []models.Candle, p Params) (models.Action, string, error) {
	macd, err := indicators.MACD(candles, p.MACD)
	if err != nil {
		return "", "", err
	}
	cross := histogramCross(macd[indicators.LabelHistogram])
	if cross == "" {
		return "", "", nil
	}
	rsi, err := indicators.RSI(candles, CombinedRSI)
	if err != nil {
		return "", "", err
	}
	last, ok := rsi[indicators.LabelRSI].Last(1)
	if !ok {
		return "", "", nil
	}
	switch {
	case cross == models.ActionBuy && last[0] < CombinedRSI.Overbought:
		return models.ActionBuy, ReasonCombinedBuy, nil
	case cross == models.ActionSell && last[0] > CombinedRSI.Oversold:
		return models.ActionSell, ReasonCombinedSell, nil
	}
	return "", "", nil
}

// histogramCross reports BUY when the histogram turns positive and SELL when
// it turns negative. Zero is a touch, not a side: the latest value is compared
// with the last non-zero value before it.
func histogramCross(hist indicators.Series) models.Action {
	n := len(hist)
	if n == 0 || !indicators.IsDefined(hist[n-1]) || hist[n-1] == 0 {
		return ""
	}
	cur := hist[n-1]
	for i := n - 2; i >= 0 && indicators.IsDefined(hist[i]); i-- {
		prev := hist[i]
		switch {
		case prev == 0:
			continue
		case prev < 0 && cur > 0:
			return models.ActionBuy
		case prev > 0 && cur < 0:
			return models.ActionSell
		}
		return ""
	}
	return ""
}
