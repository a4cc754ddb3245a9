package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quantpipe/internal/strategy"
)

func sig(ts time.Time, frac float64) *strategy.Signal {
	return &strategy.Signal{Symbol: "TEST", Time: ts, Direction: 1, Confidence: 1, SizeFraction: frac}
}

func TestApproveClampsSize(t *testing.T) {
	m := NewManager(Limits{MaxPositionFraction: 0.1}, zerolog.Nop())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	out := m.Approve(sig(ts, 0.5), 10000)
	require.NotNil(t, out)
	require.Equal(t, 0.1, out.SizeFraction)

	// Under the cap passes through unchanged.
	out = m.Approve(sig(ts, 0.05), 10000)
	require.Equal(t, 0.05, out.SizeFraction)
}

func TestApproveDailyLossHaltAndRecovery(t *testing.T) {
	m := NewManager(Limits{MaxDailyLossPct: 0.05}, zerolog.Nop())
	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NotNil(t, m.Approve(sig(day1, 0.1), 10000))
	require.False(t, m.Halted())

	// Equity down 6% intraday: halt.
	require.Nil(t, m.Approve(sig(day1.Add(2*time.Hour), 0.1), 9400))
	require.True(t, m.Halted())
	require.Nil(t, m.Approve(sig(day1.Add(3*time.Hour), 0.1), 9800))

	// Next day the halt clears and the baseline resets.
	day2 := day1.Add(24 * time.Hour)
	require.NotNil(t, m.Approve(sig(day2, 0.1), 9400))
	require.False(t, m.Halted())
}

func TestApproveNilPassthrough(t *testing.T) {
	m := NewManager(Limits{}, zerolog.Nop())
	require.Nil(t, m.Approve(nil, 10000))
}
