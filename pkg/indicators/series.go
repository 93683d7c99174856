// Package indicators computes technical indicator series over a candle
// window. Every function is pure: series are exactly as long as the input and
// positions without enough history hold Undefined.
package indicators

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidPeriod = errors.New("indicators: period must be positive")

// Undefined marks a position that has not accumulated enough history.
var Undefined = math.NaN()

func IsDefined(v float64) bool {
	return !math.IsNaN(v)
}

// Series is aligned 1:1 with the candle window it was computed from.
type Series []float64

func undefinedSeries(n int) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = Undefined
	}
	return s
}

// FirstDefined returns the index of the first defined value or -1.
func (s Series) FirstDefined() int {
	for i, v := range s {
		if IsDefined(v) {
			return i
		}
	}
	return -1
}

// Last returns the final n defined values in order. ok is false when fewer
// than n values are defined.
func (s Series) Last(n int) (vals []float64, ok bool) {
	vals = make([]float64, 0, n)
	for i := len(s) - 1; i >= 0 && len(vals) < n; i-- {
		if IsDefined(s[i]) {
			vals = append(vals, s[i])
		}
	}
	if len(vals) < n {
		return nil, false
	}
	for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
		vals[i], vals[j] = vals[j], vals[i]
	}
	return vals, true
}

// Set maps a series label (e.g. "histogram") to its values.
type Set map[string]Series

// Len returns the common length of all series in the set.
func (s Set) Len() int {
	for _, series := range s {
		return len(series)
	}
	return 0
}

func checkPeriod(name string, period int) error {
	if period <= 0 {
		return fmt.Errorf("%s period %d: %w", name, period, ErrInvalidPeriod)
	}
	return nil
}
