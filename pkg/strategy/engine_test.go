package strategy

import (
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/streambot/pkg/indicators"
	"github.com/gregtusar/streambot/pkg/models"
)

func testEngine() *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewEngine(logger)
}

func candles(closes ...float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{OpenTime: int64(i) * 60_000, Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func wave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + 8*math.Sin(float64(i)/3)
	}
	return out
}

func TestRSICrossings(t *testing.T) {
	p := DefaultParams()
	p.RSI = indicators.RSIParams{Period: 3, Overbought: 70, Oversold: 30}
	e := testEngine()

	tests := []struct {
		name   string
		closes []float64
		want   models.Action
		reason string
	}{
		{"up through oversold", []float64{10, 9, 8, 7, 6, 9}, models.ActionBuy, ReasonRSIOversoldExit},
		{"already above oversold", []float64{10, 9, 8, 7, 6, 9, 10}, "", ""},
		{"down through overbought", []float64{1, 2, 3, 4, 5, 2}, models.ActionSell, ReasonRSIOverboughtExit},
		{"too short", []float64{10, 9, 8, 9}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := e.Evaluate(NameRSI, p, candles(tt.closes...))
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.want, sig.Action)
			assert.Equal(t, tt.reason, sig.Reason)
			assert.Equal(t, NameRSI, sig.Strategy)
			assert.Equal(t, tt.closes[len(tt.closes)-1], sig.Price)
		})
	}
}

func TestRSIRisingMarketSignalsAtMostOnce(t *testing.T) {
	p := DefaultParams()
	e := testEngine()

	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	all := candles(closes...)

	buys := 0
	for n := 1; n <= len(all); n++ {
		sig, err := e.Evaluate(NameRSI, p, all[:n])
		require.NoError(t, err)
		if sig == nil {
			continue
		}
		assert.Equal(t, models.ActionBuy, sig.Action)
		buys++
	}
	assert.LessOrEqual(t, buys, 1)
}

func TestBollingerReentry(t *testing.T) {
	p := DefaultParams()
	p.BB = indicators.BollingerParams{Period: 3, StdDev: 1}
	e := testEngine()

	sig, err := e.Evaluate(NameBollinger, p, candles(10, 11, 10, 11, 5, 10))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, models.ActionBuy, sig.Action)
	assert.Equal(t, ReasonBBLowerReentry, sig.Reason)

	sig, err = e.Evaluate(NameBollinger, p, candles(10, 9, 10, 9, 15, 10))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, models.ActionSell, sig.Action)
	assert.Equal(t, ReasonBBUpperReentry, sig.Reason)

	sig, err = e.Evaluate(NameBollinger, p, candles(10, 11, 10, 11, 5, 0))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

// A MACD signal fires exactly on the candle where the histogram changes sign.
func TestMACDFiresOnlyOnTransitions(t *testing.T) {
	p := DefaultParams()
	p.MACD = indicators.MACDParams{FastPeriod: 3, SlowPeriod: 6, SignalPeriod: 3}
	e := testEngine()

	all := candles(wave(90)...)
	full, err := indicators.MACD(all, p.MACD)
	require.NoError(t, err)
	hist := full[indicators.LabelHistogram]

	var buys, sells int
	// side is the last non-zero histogram value seen so far
	var side float64
	for n := 1; n <= len(all); n++ {
		sig, err := e.Evaluate(NameMACD, p, all[:n])
		require.NoError(t, err)

		var want models.Action
		if cur := hist[n-1]; indicators.IsDefined(cur) && cur != 0 {
			switch {
			case side < 0 && cur > 0:
				want = models.ActionBuy
			case side > 0 && cur < 0:
				want = models.ActionSell
			}
			side = cur
		}
		if want == "" {
			assert.Nilf(t, sig, "unexpected signal at %d", n)
			continue
		}
		require.NotNilf(t, sig, "missing signal at %d", n)
		assert.Equal(t, want, sig.Action)
		assert.Equal(t, all[n-1].OpenTime, sig.CandleTime)
		if want == models.ActionBuy {
			buys++
		} else {
			sells++
		}
	}
	assert.Positive(t, buys)
	assert.Positive(t, sells)
}

func TestCombinedNeedsRSIConfirmation(t *testing.T) {
	p := DefaultParams()
	p.MACD = indicators.MACDParams{FastPeriod: 3, SlowPeriod: 6, SignalPeriod: 3}
	e := testEngine()

	all := candles(wave(90)...)
	for n := 1; n <= len(all); n++ {
		combined, err := e.Evaluate(NameCombined, p, all[:n])
		require.NoError(t, err)
		if combined == nil {
			continue
		}
		macd, err := e.Evaluate(NameMACD, p, all[:n])
		require.NoError(t, err)
		require.NotNil(t, macd)
		assert.Equal(t, macd.Action, combined.Action)

		rsi, err := indicators.RSI(all[:n], CombinedRSI)
		require.NoError(t, err)
		last, ok := rsi[indicators.LabelRSI].Last(1)
		require.True(t, ok)
		if combined.Action == models.ActionBuy {
			assert.Less(t, last[0], 70.0)
		} else {
			assert.Greater(t, last[0], 30.0)
		}
	}
}

func TestUnknownStrategyFallsBackToCombined(t *testing.T) {
	e := testEngine()
	s, ok := e.Resolve("moon")
	assert.False(t, ok)
	assert.Equal(t, NameCombined, s.Name())

	p := DefaultParams()
	p.MACD = indicators.MACDParams{FastPeriod: 3, SlowPeriod: 6, SignalPeriod: 3}
	all := candles(wave(90)...)
	for n := 1; n <= len(all); n++ {
		got, err := e.Evaluate("moon", p, all[:n])
		require.NoError(t, err)
		want, err := e.Evaluate(NameCombined, p, all[:n])
		require.NoError(t, err)
		if want == nil {
			assert.Nil(t, got)
			continue
		}
		require.NotNil(t, got)
		assert.Equal(t, want.Action, got.Action)
		assert.Equal(t, NameCombined, got.Strategy)
	}
}

func TestInvalidParamsRejected(t *testing.T) {
	e := testEngine()
	p := DefaultParams()
	p.RSI.Period = 0

	_, err := e.Evaluate(NameRSI, p, candles(wave(40)...))
	assert.ErrorIs(t, err, indicators.ErrInvalidPeriod)

	// rsi params are not consulted by bb
	_, err = e.Evaluate(NameBollinger, p, candles(wave(40)...))
	assert.NoError(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"bb", "combined", "macd", "rsi"}, testEngine().Names())
}

func TestHistogramCrossZeroIsATouch(t *testing.T) {
	nan := indicators.Undefined
	tests := []struct {
		name string
		hist indicators.Series
		want models.Action
	}{
		{"negative to positive", indicators.Series{nan, -1, 1}, models.ActionBuy},
		{"positive to negative", indicators.Series{nan, 1, -1}, models.ActionSell},
		{"through zero upward", indicators.Series{-1, 0, 1}, models.ActionBuy},
		{"through zero downward", indicators.Series{1, 0, 0, -1}, models.ActionSell},
		{"touch from above", indicators.Series{1, 0, 1}, ""},
		{"touch from below", indicators.Series{-1, 0, -1}, ""},
		{"landing on zero", indicators.Series{-1, 0}, ""},
		{"stays positive", indicators.Series{1, 2}, ""},
		{"only one defined", indicators.Series{nan, nan, 1}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, histogramCross(tt.hist))
		})
	}
}
