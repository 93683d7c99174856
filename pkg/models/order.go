package models

import (
	"time"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeLive      Mode = "live"
)

// Signal is the output of one strategy evaluation.
type Signal struct {
	Action   Action  `json:"action"`
	Price    float64 `json:"price"`
	Reason   string  `json:"reason"`
	Strategy string  `json:"strategy"`
	// OpenTime of the candle the signal was evaluated on.
	CandleTime int64     `json:"candleTime"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Position struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	EntryPrice      float64   `json:"entryPrice"`
	Quantity        float64   `json:"quantity"`
	StopLossPrice   float64   `json:"stopLossPrice"`
	TakeProfitPrice float64   `json:"takeProfitPrice"`
	OpenedAt        time.Time `json:"openedAt"`
}

// PnLAt returns the profit of closing the position at price.
func (p Position) PnLAt(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// Trade is an immutable record of a closed position.
type Trade struct {
	PositionID string    `json:"positionId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entryPrice"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"openedAt"`
	ClosedAt   time.Time `json:"closedAt"`
}

type Balance struct {
	QuoteAsset string             `json:"quoteAsset"`
	Quote      float64            `json:"quote"`
	Base       map[string]float64 `json:"base"`
}

func (b Balance) Clone() Balance {
	out := Balance{QuoteAsset: b.QuoteAsset, Quote: b.Quote, Base: make(map[string]float64, len(b.Base))}
	for k, v := range b.Base {
		out.Base[k] = v
	}
	return out
}

type PnL struct {
	Daily float64 `json:"daily"`
	Total float64 `json:"total"`
	// Day is the UTC date (YYYY-MM-DD) Daily accumulates for.
	Day string `json:"day"`
}

type OrderRequest struct {
	Symbol   string
	Side     Action
	Quantity float64
}

type Order struct {
	OrderID     int64
	Symbol      string
	Side        Action
	Status      string
	ExecutedQty float64
	// AvgPrice is zero when the exchange did not report fills.
	AvgPrice  float64
	CreatedAt time.Time
}
