// Package risk applies portfolio guard-rails between strategy and
// broker: a position-fraction clamp and a daily-loss halt.
package risk

import (
	"time"

	"github.com/rs/zerolog"

	"quantpipe/internal/strategy"
)

// Limits configures the guard-rails. Zero values disable a rule.
type Limits struct {
	MaxPositionFraction float64 // clamp on any single signal's size fraction
	MaxDailyLossPct     float64 // halt entries when equity drops this far from the day's start
}

// Manager tracks day-start equity and enforces Limits. It is consulted
// by both the simulator and the live runner before any order goes out.
type Manager struct {
	limits    Limits
	day       time.Time
	dayStart  float64
	halted    bool
	haltedDay time.Time
	log       zerolog.Logger
}

// NewManager builds a risk manager.
func NewManager(limits Limits, log zerolog.Logger) *Manager {
	return &Manager{limits: limits, log: log.With().Str("component", "risk").Logger()}
}

// Halted reports whether the daily-loss halt is active.
func (m *Manager) Halted() bool { return m.halted }

// Approve clamps the signal's size and applies the daily-loss halt.
// A nil return means the signal is dropped for this bar; the halt
// clears on the next trading day.
func (m *Manager) Approve(sig *strategy.Signal, equity float64) *strategy.Signal {
	if sig == nil {
		return nil
	}
	m.roll(sig.Time, equity)

	if m.limits.MaxDailyLossPct > 0 && m.dayStart > 0 {
		loss := (m.dayStart - equity) / m.dayStart
		if loss >= m.limits.MaxDailyLossPct && !m.halted {
			m.halted = true
			m.haltedDay = m.day
			m.log.Warn().Float64("loss_pct", loss*100).Msg("daily loss limit reached, halting new entries")
		}
	}
	if m.halted {
		return nil
	}

	if m.limits.MaxPositionFraction > 0 && sig.SizeFraction > m.limits.MaxPositionFraction {
		clamped := *sig
		clamped.SizeFraction = m.limits.MaxPositionFraction
		m.log.Debug().Float64("from", sig.SizeFraction).Float64("to", clamped.SizeFraction).
			Msg("clamped signal size")
		return &clamped
	}
	return sig
}

func (m *Manager) roll(ts time.Time, equity float64) {
	day := ts.UTC().Truncate(24 * time.Hour)
	if !day.Equal(m.day) {
		m.day = day
		m.dayStart = equity
		if m.halted && !m.haltedDay.Equal(day) {
			m.halted = false
		}
	}
}
