package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/streambot/pkg/models"
	"github.com/gregtusar/streambot/pkg/strategy"
)

type BacktestReport struct {
	Candles       int            `json:"candles"`
	Signals       int            `json:"signals"`
	Rejected      int            `json:"rejected"`
	Trades        []models.Trade `json:"trades"`
	OpenPositions int            `json:"openPositions"`
	TotalPnL      float64        `json:"totalPnl"`
	WinRate       float64        `json:"winRate"`
	ProfitFactor  float64        `json:"profitFactor"`
	// MaxDrawdownPct is the worst peak-to-trough equity move, as a negative
	// percentage.
	MaxDrawdownPct float64        `json:"maxDrawdownPct"`
	FinalBalance   models.Balance `json:"finalBalance"`
}

// Backtest replays candles one at a time through the same window, strategy
// and position manager path the live bot uses. Each candle is treated as
// closed. pm must be in simulated mode.
func Backtest(ctx context.Context, candles []models.Candle, settings Settings, windowSize int, engine *strategy.Engine, pm *PositionManager) (BacktestReport, error) {
	if pm.Mode() != models.ModeSimulated {
		return BacktestReport{}, fmt.Errorf("backtest requires %s mode, got %s", models.ModeSimulated, pm.Mode())
	}

	window := NewCandleWindow(windowSize)
	report := BacktestReport{}
	var peak, drawdown float64

	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !window.Upsert(c) {
			continue
		}
		report.Candles++

		sig, err := engine.Evaluate(settings.Strategy, settings.Params, window.Candles())
		if err != nil {
			return report, err
		}
		pm.CheckExitConditions(ctx, c.Close)

		if sig != nil {
			report.Signals++
			if !pm.CanExecute(sig.Action) {
				report.Rejected++
			} else if _, err := pm.Execute(ctx, *sig); err != nil {
				if !errors.Is(err, ErrNoPosition) && !errors.Is(err, ErrQuantityTooSmall) {
					return report, err
				}
				report.Rejected++
			}
		}

		eq := equity(pm, c.Close)
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			if d := (eq - peak) / peak * 100; d < drawdown {
				drawdown = d
			}
		}
	}

	report.Trades = pm.Trades()
	report.OpenPositions = len(pm.Positions())
	report.FinalBalance = pm.Balance()
	report.MaxDrawdownPct = drawdown

	var wins int
	var gains, losses float64
	for _, t := range report.Trades {
		report.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			wins++
			gains += t.PnL
		case t.PnL < 0:
			losses -= t.PnL
		}
	}
	if n := len(report.Trades); n > 0 {
		report.WinRate = float64(wins) / float64(n)
	}
	if losses > 0 {
		report.ProfitFactor = gains / losses
	}
	return report, nil
}

// equity marks open positions to price.
func equity(pm *PositionManager, price float64) float64 {
	eq := pm.Balance().Quote
	for _, p := range pm.Positions() {
		eq += p.Quantity * price
	}
	return eq
}
