package features

import (
	"fmt"
	"math"
	"time"

	"quantpipe/internal/market"
)

// RollingVol computes the trailing standard deviation of log returns.
// vol[i] uses returns up to and including bar i, so a consumer that
// needs information strictly before t0 reads vol[t0-1]. Indices with
// fewer than window returns are NaN.
func RollingVol(closes []float64, window int) []float64 {
	vol := make([]float64, len(closes))
	rets := make([]float64, len(closes))
	for i := range vol {
		vol[i] = math.NaN()
		if i > 0 {
			rets[i] = math.Log(closes[i] / closes[i-1])
		}
	}
	for i := window; i < len(closes); i++ {
		var sum, sumSq float64
		for j := i - window + 1; j <= i; j++ {
			sum += rets[j]
			sumSq += rets[j] * rets[j]
		}
		mean := sum / float64(window)
		vol[i] = math.Sqrt(sumSq/float64(window) - mean*mean)
	}
	return vol
}

// MatrixConfig selects the derived feature windows.
type MatrixConfig struct {
	Order     float64 // fractional differencing order d
	Tolerance float64 // weight truncation tolerance
	VolWindow int
	SMAWindow int
	MomWindow int
}

// Matrix is the model input: one row per usable bar, aligned to bar
// indices via Index (row r describes bar Index[r]).
type Matrix struct {
	Names []string
	Times []time.Time
	Index []int
	Rows  [][]float64
	Vol   []float64 // trailing vol aligned to the full bar series
}

// Build assembles the feature matrix for a validated series: the
// fractionally differenced close, log return, SMA distance, momentum,
// and trailing volatility. Rows with any undefined component are
// dropped, keeping the matrix NaN-free for the models.
func Build(s market.Series, cfg MatrixConfig) (Matrix, error) {
	closes := s.Closes()
	times := s.Times()

	fd, err := FracDiff(s.Symbol, times, closes, cfg.Order, cfg.Tolerance)
	if err != nil {
		return Matrix{}, fmt.Errorf("fractional differencing: %w", err)
	}
	vol := RollingVol(closes, cfg.VolWindow)

	fdAt := make([]float64, len(closes))
	for i := range fdAt {
		fdAt[i] = math.NaN()
	}
	for j, v := range fd.Values {
		fdAt[fd.Width+j] = v
	}

	m := Matrix{
		Names: []string{"frac_diff", "log_return", "sma_dist", "momentum", "vol"},
		Vol:   vol,
	}
	for i := 1; i < len(closes); i++ {
		ret := math.Log(closes[i] / closes[i-1])
		sma := trailingMean(closes, i, cfg.SMAWindow)
		mom := momentumAt(closes, i, cfg.MomWindow)
		row := []float64{fdAt[i], ret, closes[i] - sma, mom, vol[i]}
		if anyNaN(row) {
			continue
		}
		m.Times = append(m.Times, times[i])
		m.Index = append(m.Index, i)
		m.Rows = append(m.Rows, row)
	}
	if len(m.Rows) == 0 {
		return Matrix{}, fmt.Errorf("no usable feature rows after warmup (series too short for configured windows)")
	}
	return m, nil
}

// CheckQuality verifies no NaN survived feature computation. A NaN here
// is a data-quality fault, not a modeling concern.
func (m Matrix) CheckQuality(symbol string) error {
	for r, row := range m.Rows {
		if anyNaN(row) {
			return &market.DataQualityError{Symbol: symbol, Index: m.Index[r], Reason: "NaN in computed features"}
		}
	}
	return nil
}

func trailingMean(closes []float64, i, window int) float64 {
	if i+1 < window {
		return math.NaN()
	}
	var sum float64
	for j := i - window + 1; j <= i; j++ {
		sum += closes[j]
	}
	return sum / float64(window)
}

func momentumAt(closes []float64, i, window int) float64 {
	if i < window {
		return math.NaN()
	}
	return closes[i] - closes[i-window]
}

func anyNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
