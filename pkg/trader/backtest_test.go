package trader

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/streambot/pkg/indicators"
	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/strategy"
)

func waveCandles(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = candleAt(int64(i), 100+8*math.Sin(float64(i)/4)+float64(i)/20)
	}
	return out
}

func TestBacktestAccountsForEveryTrade(t *testing.T) {
	ctx := context.Background()
	cfg := testRisk()
	cfg.MaxPositions = 2
	pm, _ := newTestManager(cfg, nil, nil)

	p := strategy.DefaultParams()
	p.RSI = indicators.RSIParams{Period: 6, Overbought: 65, Oversold: 35}
	settings := Settings{Strategy: strategy.NameRSI, Params: p}

	report, err := Backtest(ctx, waveCandles(300), settings, 50, strategy.NewEngine(quietLogger()), pm)
	require.NoError(t, err)

	assert.Equal(t, 300, report.Candles)
	assert.NotEmpty(t, report.Trades)
	assert.LessOrEqual(t, report.OpenPositions, 2)
	assert.GreaterOrEqual(t, report.WinRate, 0.0)
	assert.LessOrEqual(t, report.WinRate, 1.0)
	assert.LessOrEqual(t, report.MaxDrawdownPct, 0.0)

	var sum float64
	for _, tr := range report.Trades {
		sum += tr.PnL
	}
	assert.InDelta(t, sum, report.TotalPnL, 1e-9)

	// quote + cost of what is still open == initial + realized
	open := 0.0
	for _, pos := range pm.Positions() {
		open += pos.EntryPrice * pos.Quantity
	}
	assert.InDelta(t, cfg.InitialBalance+report.TotalPnL, report.FinalBalance.Quote+open, 1e-6)
}

func TestBacktestRequiresSimulatedMode(t *testing.T) {
	cfg := testRisk()
	cfg.Mode = models.ModeLive
	pm, _ := newTestManager(cfg, nil, nil)
	_, err := Backtest(context.Background(), waveCandles(10), Settings{Strategy: strategy.NameRSI, Params: strategy.DefaultParams()}, 50, strategy.NewEngine(quietLogger()), pm)
	assert.Error(t, err)
}
