package labeling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quantpipe/internal/features"
	"quantpipe/internal/market"
)

// flatSeries produces a gently oscillating path so the trailing vol is
// small but nonzero, with optional scripted jumps: level multiplies by
// jump[i] at bar i.
func flatSeries(n int, jumps map[int]float64) market.Series {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := market.Series{Symbol: "TEST"}
	level := 100.0
	for i := 0; i < n; i++ {
		if f, ok := jumps[i]; ok {
			level *= f
		}
		c := level
		if i%2 == 1 {
			c = level * 1.0001 // odd bars sit a hair above the level
		}
		lo := level * 0.99995
		hi := c * 1.00005
		s.Bars = append(s.Bars, market.Bar{
			Time: start.Add(time.Duration(i) * 24 * time.Hour),
			Open: level, High: hi, Low: lo, Close: c, Volume: 1000,
		})
	}
	return s
}

func TestBreakoutLabelsPlusOne(t *testing.T) {
	s := flatSeries(252, map[int]float64{100: 1.10})
	vol := features.RollingVol(s.Closes(), 20)

	anchors := []int{40, 60, 80, 100, 140}
	events, err := Label(s, vol, anchors, Config{PtMultiple: 2, SlMultiple: 1, MaxHolding: 20, Deadband: 0.001})
	require.NoError(t, err)
	require.Len(t, events, len(anchors))

	positives := 0
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.T1, ev.T0)
		if ev.Label == 1 {
			positives++
			require.Equal(t, UpperTouched, ev.Outcome)
			require.Equal(t, 100, ev.T1, "breakout bar is the touch bar")
			require.Equal(t, 80, ev.T0)
		}
	}
	require.Equal(t, 1, positives, "exactly one +1 event anchored before the breakout")
}

func TestLowerBarrierLabelsMinusOne(t *testing.T) {
	s := flatSeries(120, map[int]float64{60: 0.90})
	vol := features.RollingVol(s.Closes(), 20)
	events, err := Label(s, vol, []int{50}, Config{PtMultiple: 2, SlMultiple: 1, MaxHolding: 20})
	require.NoError(t, err)
	require.Equal(t, -1, events[0].Label)
	require.Equal(t, LowerTouched, events[0].Outcome)
	require.Equal(t, 60, events[0].T1)
}

func TestVerticalTimeoutDeadband(t *testing.T) {
	s := flatSeries(120, nil)
	vol := features.RollingVol(s.Closes(), 20)

	events, err := Label(s, vol, []int{40}, Config{PtMultiple: 50, SlMultiple: 50, MaxHolding: 10, Deadband: 0.01})
	require.NoError(t, err)
	require.Equal(t, VerticalTimeout, events[0].Outcome)
	require.Equal(t, 0, events[0].Label)
	require.Equal(t, 50, events[0].T1)
}

func TestTieBreakNearestToOpen(t *testing.T) {
	// One bar whose range crosses both barriers; open sits nearer the
	// upper barrier, so the upper wins under the fixed policy.
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bar := func(i int, o, h, l, c float64) market.Bar {
		return market.Bar{Time: start.Add(time.Duration(i) * time.Hour), Open: o, High: h, Low: l, Close: c, Volume: 1}
	}
	s := market.Series{Symbol: "TEST", Bars: []market.Bar{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		bar(2, 104.5, 110, 90, 100), // crosses upper 105 and lower 95
	}}
	vol := []float64{0.05, 0.05, 0.05}

	events, err := Label(s, vol, []int{1}, Config{PtMultiple: 1, SlMultiple: 1, MaxHolding: 5})
	require.NoError(t, err)
	require.Equal(t, UpperTouched, events[0].Outcome)
	require.Equal(t, 1, events[0].Label)

	// Open nearer the lower barrier flips the outcome.
	s.Bars[2].Open = 95.5
	events, err = Label(s, vol, []int{1}, Config{PtMultiple: 1, SlMultiple: 1, MaxHolding: 5})
	require.NoError(t, err)
	require.Equal(t, LowerTouched, events[0].Outcome)
	require.Equal(t, -1, events[0].Label)
}

func TestMetaModeBinaryLabels(t *testing.T) {
	s := flatSeries(252, map[int]float64{100: 1.10})
	vol := features.RollingVol(s.Closes(), 20)

	events, err := LabelMeta(s, vol, []int{80, 80}, []int{1, -1},
		Config{PtMultiple: 2, SlMultiple: 1, MaxHolding: 20})
	require.NoError(t, err)

	// Long side rides the breakout: acted profitably.
	require.Equal(t, 1, events[0].Label)
	require.Equal(t, 1, events[0].Side)
	// Short side is stopped out by the same move.
	require.Equal(t, 0, events[1].Label)
	require.Equal(t, -1, events[1].Side)
}

func TestVolatilityIsStrictlyTrailing(t *testing.T) {
	s := flatSeries(120, map[int]float64{100: 1.10})
	vol := features.RollingVol(s.Closes(), 20)
	base, err := Label(s, vol, []int{60}, Config{PtMultiple: 2, SlMultiple: 1, MaxHolding: 10})
	require.NoError(t, err)

	// Perturbing bars at and after t0 must not change the barrier
	// geometry, only (possibly) the path outcome.
	s2 := flatSeries(120, map[int]float64{100: 1.10})
	for i := 61; i < 120; i++ {
		s2.Bars[i].Close *= 1.0000001
	}
	vol2 := features.RollingVol(s2.Closes(), 20)
	got, err := Label(s2, vol2, []int{60}, Config{PtMultiple: 2, SlMultiple: 1, MaxHolding: 10})
	require.NoError(t, err)
	require.Equal(t, base[0].Upper, got[0].Upper)
	require.Equal(t, base[0].Lower, got[0].Lower)
}

func TestMissingVolFailsLoudly(t *testing.T) {
	s := flatSeries(60, nil)
	vol := features.RollingVol(s.Closes(), 20)
	_, err := Label(s, vol, []int{5}, Config{PtMultiple: 2, SlMultiple: 1, MaxHolding: 10})
	require.Error(t, err, "anchor inside the vol warmup must not be silently labeled")
}

func TestMetaLabelsHitRate(t *testing.T) {
	meta, rate, err := MetaLabels([]int{1, -1, 1, 1}, []int{1, 1, 1, -1})
	require.NoError(t, err)
	require.Equal(t, []int{1, 0, 1, 0}, meta)
	require.Equal(t, 0.5, rate)

	_, _, err = MetaLabels([]int{1}, []int{})
	require.Error(t, err)
}
