package models

import (
	"time"
)

// Candle is one fixed-interval OHLCV bar. Times are exchange milliseconds.
type Candle struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

func (c Candle) OpenedAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Closes extracts the close prices of candles in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

type Ticker struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	LastPrice float64
	Volume24h float64
	Timestamp time.Time
}

// Tick is a single executed trade reported by the feed.
type Tick struct {
	Symbol       string
	Price        float64
	Quantity     float64
	TradeID      int64
	IsBuyerMaker bool
	Timestamp    time.Time
}

// AssetBalance is the free amount of one asset as reported by the account.
type AssetBalance struct {
	Asset string  `json:"asset"`
	Free  float64 `json:"free"`
}
