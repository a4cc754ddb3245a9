package features

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quantpipe/internal/market"
)

func syntheticSeries(n int, seed int64) market.Series {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := market.Series{Symbol: "TEST"}
	price := 100.0
	for i := 0; i < n; i++ {
		price *= 1 + rng.NormFloat64()*0.008
		s.Bars = append(s.Bars, market.Bar{
			Time: start.Add(time.Duration(i) * time.Hour),
			Open: price * 0.999, High: price * 1.002, Low: price * 0.998, Close: price, Volume: 1000,
		})
	}
	return s
}

func TestRollingVolTrailingOnly(t *testing.T) {
	s := syntheticSeries(100, 3)
	closes := s.Closes()
	vol := RollingVol(closes, 20)

	for i := 0; i < 20; i++ {
		require.True(t, math.IsNaN(vol[i]), "index %d should be warmup", i)
	}
	require.False(t, math.IsNaN(vol[20]))

	// Changing a future bar must not change a past vol value.
	mutated := append([]float64(nil), closes...)
	mutated[80] *= 2
	volMut := RollingVol(mutated, 20)
	require.Equal(t, vol[50], volMut[50])
}

func TestBuildMatrixAligned(t *testing.T) {
	s := syntheticSeries(400, 9)
	m, err := Build(s, MatrixConfig{Order: 0.4, Tolerance: 1e-3, VolWindow: 20, SMAWindow: 10, MomWindow: 5})
	require.NoError(t, err)
	require.NoError(t, m.CheckQuality("TEST"))
	require.Len(t, m.Rows, len(m.Index))
	require.Len(t, m.Times, len(m.Index))
	for r, idx := range m.Index {
		require.Equal(t, s.Bars[idx].Time, m.Times[r])
	}
	// Rows only start once every component has warmed up.
	require.GreaterOrEqual(t, m.Index[0], 20)
}

func TestBuildMatrixTooShort(t *testing.T) {
	s := syntheticSeries(15, 1)
	_, err := Build(s, MatrixConfig{Order: 0.4, Tolerance: 1e-4, VolWindow: 20, SMAWindow: 10, MomWindow: 5})
	require.Error(t, err)
}
