package trader

import (
	"sort"

	"github.com/gregtusar/streambot/pkg/models"
)

const DefaultWindowSize = 100

// CandleWindow is a bounded sequence of candles ordered by open time, unique
// per open time. It is not safe for concurrent use.
type CandleWindow struct {
	size    int
	candles []models.Candle
}

func NewCandleWindow(size int) *CandleWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &CandleWindow{size: size, candles: make([]models.Candle, 0, size)}
}

// Upsert replaces the last candle when c has the same open time, appends it
// when c is newer and ignores it when older. It reports whether the window
// changed.
func (w *CandleWindow) Upsert(c models.Candle) bool {
	n := len(w.candles)
	if n > 0 {
		last := w.candles[n-1].OpenTime
		switch {
		case c.OpenTime == last:
			w.candles[n-1] = c
			return true
		case c.OpenTime < last:
			return false
		}
	}
	w.candles = append(w.candles, c)
	if len(w.candles) > w.size {
		w.candles = append(w.candles[:0], w.candles[len(w.candles)-w.size:]...)
	}
	return true
}

// Replace loads history, keeping the newest candles that fit.
func (w *CandleWindow) Replace(candles []models.Candle) {
	sorted := append([]models.Candle(nil), candles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })

	w.candles = w.candles[:0]
	for _, c := range sorted {
		w.Upsert(c)
	}
}

func (w *CandleWindow) Candles() []models.Candle {
	return append([]models.Candle(nil), w.candles...)
}

func (w *CandleWindow) Len() int { return len(w.candles) }

func (w *CandleWindow) Last() (models.Candle, bool) {
	if len(w.candles) == 0 {
		return models.Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}
