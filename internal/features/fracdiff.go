// Package features turns raw price history into stationary model inputs:
// fixed-width fractional differencing, trailing volatility, and a small
// derived feature matrix.
package features

import (
	"fmt"
	"math"
	"time"
)

// FracSeries is a fractionally differenced series. Values align to the
// input bars starting at index Width; earlier bars have no defined value
// and are dropped, never zero-filled.
type FracSeries struct {
	Symbol  string
	D       float64
	Weights []float64
	Width   int
	Times   []time.Time
	Values  []float64
}

// FracWeights computes the binomial-expansion weight kernel for order d,
// truncated once weight magnitude falls below tol. The kernel length
// depends only on d and tol, never on the input length, so streaming
// recomputation reproduces historical values exactly.
//
// w[0] = 1, w[k] = -w[k-1] * (d-k+1) / k. For d in [0,1] the magnitudes
// are non-increasing in lag, so tolerance truncation is well defined.
func FracWeights(d, tol float64) ([]float64, error) {
	if d < 0 || d > 1 {
		return nil, fmt.Errorf("differencing order %v outside [0,1]", d)
	}
	if tol <= 0 {
		return nil, fmt.Errorf("tolerance %v must be positive", tol)
	}
	w := []float64{1}
	for k := 1; ; k++ {
		next := -w[k-1] * (d - float64(k) + 1) / float64(k)
		if math.Abs(next) < tol {
			break
		}
		w = append(w, next)
	}
	return w, nil
}

// FracDiff applies the fixed-width kernel to closes. Output value at t is
// the dot product of the kernel with the trailing window ending at t;
// the first len(weights) samples are dropped while the window fills.
//
// A large tol collapses the kernel toward first differences; a tiny tol
// keeps near-infinite memory and inflates runtime. Both are caller
// choices and are not clamped here.
func FracDiff(symbol string, times []time.Time, closes []float64, d, tol float64) (FracSeries, error) {
	if len(times) != len(closes) {
		return FracSeries{}, fmt.Errorf("times/closes length mismatch: %d vs %d", len(times), len(closes))
	}
	w, err := FracWeights(d, tol)
	if err != nil {
		return FracSeries{}, err
	}
	width := len(w)
	if len(closes) <= width {
		return FracSeries{}, fmt.Errorf("series length %d too short for kernel width %d", len(closes), width)
	}

	fs := FracSeries{
		Symbol:  symbol,
		D:       d,
		Weights: w,
		Width:   width,
		Times:   make([]time.Time, 0, len(closes)-width),
		Values:  make([]float64, 0, len(closes)-width),
	}
	for i := width; i < len(closes); i++ {
		var v float64
		// w[k] weights the price k bars back from i.
		for k := 0; k < width; k++ {
			v += w[k] * closes[i-k]
		}
		fs.Times = append(fs.Times, times[i])
		fs.Values = append(fs.Values, v)
	}
	return fs, nil
}
