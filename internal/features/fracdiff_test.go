package features

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFracWeightsMonotoneAndFinite(t *testing.T) {
	for _, tol := range []float64{1e-2, 1e-3, 1e-4, 1e-5} {
		for _, d := range []float64{0.2, 0.35, 0.5, 0.8} {
			w, err := FracWeights(d, tol)
			require.NoError(t, err)
			require.Equal(t, 1.0, w[0])
			for k := 1; k < len(w); k++ {
				require.LessOrEqual(t, math.Abs(w[k]), math.Abs(w[k-1]),
					"d=%v tol=%v lag %d", d, tol, k)
				require.GreaterOrEqual(t, math.Abs(w[k]), tol)
			}
		}
	}
}

func TestFracWeightsLengthIndependentOfInput(t *testing.T) {
	w1, err := FracWeights(0.4, 1e-4)
	require.NoError(t, err)
	w2, err := FracWeights(0.4, 1e-4)
	require.NoError(t, err)
	require.Equal(t, w1, w2)
}

func TestFracWeightsEdgeOrders(t *testing.T) {
	// d=1 with loose tolerance is exactly first differences.
	w, err := FracWeights(1, 1e-4)
	require.NoError(t, err)
	require.Equal(t, []float64{1, -1}, w)

	// d=0 is the identity.
	w, err = FracWeights(0, 1e-4)
	require.NoError(t, err)
	require.Equal(t, []float64{1}, w)

	_, err = FracWeights(1.5, 1e-4)
	require.Error(t, err)
	_, err = FracWeights(0.5, 0)
	require.Error(t, err)
}

func TestFracDiffDropsWarmup(t *testing.T) {
	n := 300
	times := make([]time.Time, n)
	closes := make([]float64, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(7))
	price := 100.0
	for i := 0; i < n; i++ {
		times[i] = start.Add(time.Duration(i) * time.Hour)
		price *= 1 + rng.NormFloat64()*0.01
		closes[i] = price
	}

	fs, err := FracDiff("TEST", times, closes, 0.45, 1e-3)
	require.NoError(t, err)
	require.Equal(t, len(fs.Weights), fs.Width)
	require.Len(t, fs.Values, n-fs.Width)
	require.Equal(t, times[fs.Width], fs.Times[0])
	for _, v := range fs.Values {
		require.False(t, math.IsNaN(v))
	}
}

func TestFracDiffOrderOneMatchesFirstDifferences(t *testing.T) {
	times := make([]time.Time, 10)
	closes := []float64{1, 2, 4, 7, 11, 16, 22, 29, 37, 46}
	for i := range times {
		times[i] = time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC)
	}
	fs, err := FracDiff("TEST", times, closes, 1, 1e-4)
	require.NoError(t, err)
	require.Equal(t, 2, fs.Width)
	for j, v := range fs.Values {
		i := fs.Width + j
		require.InDelta(t, closes[i]-closes[i-1], v, 1e-12)
	}
}

func TestStationarityDistinguishesSeries(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	n := 500

	// Strongly mean-reverting AR(1).
	ar := make([]float64, n)
	for i := 1; i < n; i++ {
		ar[i] = 0.2*ar[i-1] + rng.NormFloat64()
	}
	res, err := Stationarity(ar, 0.95)
	require.NoError(t, err)
	require.True(t, res.Stationary, "t=%v crit=%v", res.TStat, res.Critical)

	// Random walk.
	walk := make([]float64, n)
	for i := 1; i < n; i++ {
		walk[i] = walk[i-1] + rng.NormFloat64()
	}
	res, err = Stationarity(walk, 0.99)
	require.NoError(t, err)
	require.False(t, res.Stationary, "t=%v crit=%v", res.TStat, res.Critical)
}

func TestStationarityRejectsBadInput(t *testing.T) {
	_, err := Stationarity(make([]float64, 5), 0.95)
	require.Error(t, err)
	_, err = Stationarity(make([]float64, 100), 0.80)
	require.Error(t, err)
}
