package strategy

import (
	"fmt"

	"github.com/gregtusar/streambot/pkg/indicators"
)

// Params holds per-strategy parameters. Only the block belonging to the
// selected strategy is consulted.
type Params struct {
	MACD indicators.MACDParams      `json:"macd" mapstructure:"macd"`
	RSI  indicators.RSIParams       `json:"rsi" mapstructure:"rsi"`
	BB   indicators.BollingerParams `json:"bb" mapstructure:"bb"`
}

func DefaultParams() Params {
	return Params{
		MACD: indicators.MACDParams{FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9},
		RSI:  indicators.RSIParams{Period: 14, Overbought: 70, Oversold: 30},
		BB:   indicators.BollingerParams{Period: 20, StdDev: 2},
	}
}

// CombinedRSI is the RSI used by the combined strategy. It is fixed and does
// not follow the configured rsi block.
var CombinedRSI = indicators.RSIParams{Period: 14, Overbought: 70, Oversold: 30}

// Validate checks the parameters the named strategy depends on.
func (p Params) Validate(name string) error {
	var err error
	switch name {
	case NameMACD, NameCombined:
		err = p.MACD.Validate()
	case NameRSI:
		err = p.RSI.Validate()
	case NameBollinger:
		err = p.BB.Validate()
	default:
		return fmt.Errorf("unknown strategy %q", name)
	}
	if err != nil {
		return fmt.Errorf("strategy %s: %w", name, err)
	}
	return nil
}
