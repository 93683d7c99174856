package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/streambot/pkg/models"
)

var (
	ErrMaxPositions        = errors.New("max open positions reached")
	ErrNoPosition          = errors.New("no open position to close")
	ErrInsufficientBalance = errors.New("insufficient quote balance")
	ErrQuantityTooSmall    = errors.New("order quantity rounds to zero")
	ErrModeMismatch        = errors.New("snapshot mode does not match")
)

const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"

	quantityPlaces = 6
)

type RiskConfig struct {
	Symbol     string      `mapstructure:"symbol"`
	BaseAsset  string      `mapstructure:"base_asset"`
	QuoteAsset string      `mapstructure:"quote_asset"`
	Mode       models.Mode `mapstructure:"mode"`
	// MaxPositions caps concurrently open positions.
	MaxPositions int `mapstructure:"max_positions"`
	// TradeAmount is the quote amount spent per BUY.
	TradeAmount float64 `mapstructure:"trade_amount"`
	// StopLossPct and TakeProfitPct are percentages of the entry price.
	StopLossPct    float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct  float64 `mapstructure:"take_profit_pct"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// AccountProvider reads live balances. Only used in live mode.
type AccountProvider interface {
	FetchAccountBalances(ctx context.Context) ([]models.AssetBalance, error)
}

// OrderPlacer places live market orders. Only used in live mode.
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
}

type ExecutionResult struct {
	Opened *models.Position
	Closed *models.Trade
	Order  *models.Order
}

// State is the durable part of a PositionManager.
type State struct {
	Mode      models.Mode       `json:"mode"`
	Balance   models.Balance    `json:"balance"`
	Positions []models.Position `json:"positions"`
	Trades    []models.Trade    `json:"trades"`
	PnL       models.PnL        `json:"pnl"`
	SavedAt   time.Time         `json:"savedAt"`
}

// PositionManager owns open positions, the trade history and the balance.
// Positions and trades change only through Execute, CheckExitConditions and
// Reset.
type PositionManager struct {
	cfg     RiskConfig
	account AccountProvider
	orders  OrderPlacer
	logger  *logrus.Logger
	now     func() time.Time
	newID   func() string

	mu        sync.RWMutex
	positions []models.Position
	trades    []models.Trade

	// simulated ledger
	quote decimal.Decimal
	base  map[string]decimal.Decimal

	// live projection
	liveBalance models.Balance

	daily decimal.Decimal
	total decimal.Decimal
	day   string
}

func NewPositionManager(cfg RiskConfig, account AccountProvider, orders OrderPlacer, logger *logrus.Logger) *PositionManager {
	if cfg.Mode == "" {
		cfg.Mode = models.ModeSimulated
	}
	pm := &PositionManager{
		cfg:     cfg,
		account: account,
		orders:  orders,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	pm.resetLocked()
	return pm
}

func (pm *PositionManager) Mode() models.Mode { return pm.cfg.Mode }

func (pm *PositionManager) live() bool { return pm.cfg.Mode == models.ModeLive }

// CanExecute reports whether a signal would pass the risk gates. BUY needs a
// free position slot and enough quote balance for one trade amount.
func (pm *PositionManager) CanExecute(action models.Action) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.gateLocked(action) == nil
}

func (pm *PositionManager) gateLocked(action models.Action) error {
	if action != models.ActionBuy {
		return nil
	}
	if len(pm.positions) >= pm.cfg.MaxPositions {
		return ErrMaxPositions
	}
	if pm.quoteLocked().LessThan(decimal.NewFromFloat(pm.cfg.TradeAmount)) {
		return ErrInsufficientBalance
	}
	return nil
}

// Execute opens a position on BUY and closes the oldest open position on
// SELL. Rejected signals return one of the package sentinel errors.
func (pm *PositionManager) Execute(ctx context.Context, sig models.Signal) (*ExecutionResult, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := pm.gateLocked(sig.Action); err != nil {
		return nil, err
	}

	var (
		res *ExecutionResult
		err error
	)
	switch sig.Action {
	case models.ActionBuy:
		res, err = pm.openLocked(ctx, sig)
	case models.ActionSell:
		if len(pm.positions) == 0 {
			return nil, ErrNoPosition
		}
		res, err = pm.closeLocked(ctx, 0, sig.Price, sig.Reason)
	default:
		return nil, fmt.Errorf("unknown action %q", sig.Action)
	}
	if err != nil {
		return nil, err
	}

	if pm.live() {
		pm.refreshLocked(ctx)
	}
	return res, nil
}

func (pm *PositionManager) openLocked(ctx context.Context, sig models.Signal) (*ExecutionResult, error) {
	price := decimal.NewFromFloat(sig.Price)
	if !price.IsPositive() {
		return nil, fmt.Errorf("open position: invalid price %v", sig.Price)
	}
	qty := decimal.NewFromFloat(pm.cfg.TradeAmount).Div(price).Round(quantityPlaces)
	if !qty.IsPositive() {
		return nil, ErrQuantityTooSmall
	}

	res := &ExecutionResult{}
	if pm.live() {
		order, err := pm.orders.PlaceMarketOrder(ctx, models.OrderRequest{
			Symbol:   pm.cfg.Symbol,
			Side:     models.ActionBuy,
			Quantity: qty.InexactFloat64(),
		})
		if err != nil {
			return nil, err
		}
		res.Order = order
		if order.ExecutedQty > 0 {
			qty = decimal.NewFromFloat(order.ExecutedQty)
		}
		if order.AvgPrice > 0 {
			price = decimal.NewFromFloat(order.AvgPrice)
		}
	}

	hundred := decimal.NewFromInt(100)
	sl := price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pm.cfg.StopLossPct).Div(hundred)))
	tp := price.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(pm.cfg.TakeProfitPct).Div(hundred)))

	pos := models.Position{
		ID:              pm.newID(),
		Symbol:          pm.cfg.Symbol,
		Side:            models.SideLong,
		EntryPrice:      price.InexactFloat64(),
		Quantity:        qty.InexactFloat64(),
		StopLossPrice:   sl.InexactFloat64(),
		TakeProfitPrice: tp.InexactFloat64(),
		OpenedAt:        pm.now().UTC(),
	}
	pm.positions = append(pm.positions, pos)

	if !pm.live() {
		pm.quote = pm.quote.Sub(price.Mul(qty))
		pm.base[pm.cfg.BaseAsset] = pm.base[pm.cfg.BaseAsset].Add(qty)
	}

	pm.logger.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"price":       pos.EntryPrice,
		"qty":         pos.Quantity,
		"stop_loss":   pos.StopLossPrice,
		"take_profit": pos.TakeProfitPrice,
	}).Info("Opened position")

	res.Opened = &pos
	return res, nil
}

func (pm *PositionManager) closeLocked(ctx context.Context, i int, exit float64, reason string) (*ExecutionResult, error) {
	pos := pm.positions[i]
	price := decimal.NewFromFloat(exit)
	qty := decimal.NewFromFloat(pos.Quantity)
	entry := decimal.NewFromFloat(pos.EntryPrice)

	res := &ExecutionResult{}
	if pm.live() {
		side := models.ActionSell
		if pos.Side == models.SideShort {
			side = models.ActionBuy
		}
		order, err := pm.orders.PlaceMarketOrder(ctx, models.OrderRequest{
			Symbol:   pos.Symbol,
			Side:     side,
			Quantity: pos.Quantity,
		})
		if err != nil {
			return nil, err
		}
		res.Order = order
		if order.AvgPrice > 0 {
			price = decimal.NewFromFloat(order.AvgPrice)
		}
	}

	pnl := price.Sub(entry).Mul(qty)
	if pos.Side == models.SideShort {
		pnl = pnl.Neg()
	}

	trade := models.Trade{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Price:      price.InexactFloat64(),
		Quantity:   pos.Quantity,
		PnL:        pnl.InexactFloat64(),
		Reason:     reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   pm.now().UTC(),
	}
	pm.positions = append(pm.positions[:i], pm.positions[i+1:]...)
	pm.trades = append(pm.trades, trade)

	pm.rolloverLocked()
	pm.daily = pm.daily.Add(pnl)
	pm.total = pm.total.Add(pnl)

	if !pm.live() {
		pm.quote = pm.quote.Add(entry.Mul(qty)).Add(pnl)
		pm.base[pm.cfg.BaseAsset] = pm.base[pm.cfg.BaseAsset].Sub(qty)
	}

	pm.logger.WithFields(logrus.Fields{
		"position_id": trade.PositionID,
		"price":       trade.Price,
		"pnl":         trade.PnL,
		"reason":      reason,
	}).Info("Closed position")

	res.Closed = &trade
	return res, nil
}

// CheckExitConditions closes every position whose stop-loss or take-profit
// price has been crossed by price. It returns the trades it recorded.
func (pm *PositionManager) CheckExitConditions(ctx context.Context, price float64) []models.Trade {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var closed []models.Trade
	for i := 0; i < len(pm.positions); {
		pos := pm.positions[i]
		reason := exitReason(pos, price)
		if reason == "" {
			i++
			continue
		}
		res, err := pm.closeLocked(ctx, i, price, reason)
		if err != nil {
			pm.logger.WithError(err).WithField("position_id", pos.ID).Error("Failed to close position on exit condition")
			i++
			continue
		}
		closed = append(closed, *res.Closed)
	}
	if len(closed) > 0 && pm.live() {
		pm.refreshLocked(ctx)
	}
	return closed
}

func exitReason(pos models.Position, price float64) string {
	if pos.Side == models.SideShort {
		switch {
		case price >= pos.StopLossPrice:
			return ReasonStopLoss
		case price <= pos.TakeProfitPrice:
			return ReasonTakeProfit
		}
		return ""
	}
	switch {
	case price <= pos.StopLossPrice:
		return ReasonStopLoss
	case price >= pos.TakeProfitPrice:
		return ReasonTakeProfit
	}
	return ""
}

func (pm *PositionManager) Positions() []models.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return append([]models.Position(nil), pm.positions...)
}

func (pm *PositionManager) Trades() []models.Trade {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return append([]models.Trade(nil), pm.trades...)
}

func (pm *PositionManager) Balance() models.Balance {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.balanceLocked()
}

func (pm *PositionManager) balanceLocked() models.Balance {
	if pm.live() {
		return pm.liveBalance.Clone()
	}
	b := models.Balance{
		QuoteAsset: pm.cfg.QuoteAsset,
		Quote:      pm.quote.InexactFloat64(),
		Base:       make(map[string]float64, len(pm.base)),
	}
	for asset, amount := range pm.base {
		b.Base[asset] = amount.InexactFloat64()
	}
	return b
}

func (pm *PositionManager) quoteLocked() decimal.Decimal {
	if pm.live() {
		return decimal.NewFromFloat(pm.liveBalance.Quote)
	}
	return pm.quote
}

// PnL returns realized PnL; Daily reads zero once the UTC day has changed.
func (pm *PositionManager) PnL() models.PnL {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := models.PnL{Daily: pm.daily.InexactFloat64(), Total: pm.total.InexactFloat64(), Day: pm.day}
	if today := pm.today(); today != pm.day {
		out.Daily, out.Day = 0, today
	}
	return out
}

func (pm *PositionManager) today() string {
	return pm.now().UTC().Format(time.DateOnly)
}

func (pm *PositionManager) rolloverLocked() {
	if today := pm.today(); today != pm.day {
		pm.daily = decimal.Zero
		pm.day = today
	}
}

// RefreshBalance reloads the live balance from the account. It is a no-op in
// simulated mode.
func (pm *PositionManager) RefreshBalance(ctx context.Context) error {
	if !pm.live() {
		return nil
	}
	balances, err := pm.account.FetchAccountBalances(ctx)
	if err != nil {
		return fmt.Errorf("refresh balance: %w", err)
	}
	pm.mu.Lock()
	pm.applyBalancesLocked(balances)
	pm.mu.Unlock()
	return nil
}

func (pm *PositionManager) refreshLocked(ctx context.Context) {
	balances, err := pm.account.FetchAccountBalances(ctx)
	if err != nil {
		pm.logger.WithError(err).Warn("Failed to refresh live balance")
		return
	}
	pm.applyBalancesLocked(balances)
}

func (pm *PositionManager) applyBalancesLocked(balances []models.AssetBalance) {
	b := models.Balance{QuoteAsset: pm.cfg.QuoteAsset, Base: make(map[string]float64)}
	for _, ab := range balances {
		if ab.Asset == pm.cfg.QuoteAsset {
			b.Quote = ab.Free
			continue
		}
		b.Base[ab.Asset] = ab.Free
	}
	pm.liveBalance = b
}

// Reset clears positions, trades and PnL and restores the initial simulated
// balance.
func (pm *PositionManager) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.resetLocked()
	pm.logger.WithField("mode", pm.cfg.Mode).Info("Position manager reset")
}

func (pm *PositionManager) resetLocked() {
	pm.positions = nil
	pm.trades = nil
	pm.quote = decimal.NewFromFloat(pm.cfg.InitialBalance)
	pm.base = map[string]decimal.Decimal{}
	pm.daily = decimal.Zero
	pm.total = decimal.Zero
	pm.day = pm.today()
}

func (pm *PositionManager) Snapshot() State {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return State{
		Mode:      pm.cfg.Mode,
		Balance:   pm.balanceLocked(),
		Positions: append([]models.Position(nil), pm.positions...),
		Trades:    append([]models.Trade(nil), pm.trades...),
		PnL:       models.PnL{Daily: pm.daily.InexactFloat64(), Total: pm.total.InexactFloat64(), Day: pm.day},
		SavedAt:   pm.now().UTC(),
	}
}

// Restore replaces the whole state with s. In live mode the balance is kept
// as a projection until the next refresh.
func (pm *PositionManager) Restore(s State) error {
	if s.Mode != pm.cfg.Mode {
		return fmt.Errorf("restore %s state into %s manager: %w", s.Mode, pm.cfg.Mode, ErrModeMismatch)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.positions = append([]models.Position(nil), s.Positions...)
	pm.trades = append([]models.Trade(nil), s.Trades...)
	pm.daily = decimal.NewFromFloat(s.PnL.Daily)
	pm.total = decimal.NewFromFloat(s.PnL.Total)
	pm.day = s.PnL.Day

	if pm.live() {
		pm.liveBalance = s.Balance.Clone()
	} else {
		pm.quote = decimal.NewFromFloat(s.Balance.Quote)
		pm.base = make(map[string]decimal.Decimal, len(s.Balance.Base))
		for asset, amount := range s.Balance.Base {
			pm.base[asset] = decimal.NewFromFloat(amount)
		}
	}

	if len(pm.positions) > pm.cfg.MaxPositions {
		pm.logger.WithFields(logrus.Fields{
			"positions":     len(pm.positions),
			"max_positions": pm.cfg.MaxPositions,
		}).Warn("Restored more open positions than allowed; new entries are blocked until some close")
	}
	return nil
}
