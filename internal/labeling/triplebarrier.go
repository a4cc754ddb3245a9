// Package labeling assigns triple-barrier outcome labels to events on a
// price path: two volatility-scaled horizontal barriers and one vertical
// time barrier, with an optional meta-labeling mode that scores a
// primary model's side instead of raw direction.
package labeling

import (
	"fmt"
	"math"
	"time"

	"quantpipe/internal/market"
)

// Outcome identifies which barrier terminated an event.
type Outcome int

const (
	UpperTouched Outcome = iota
	LowerTouched
	VerticalTimeout
)

func (o Outcome) String() string {
	switch o {
	case UpperTouched:
		return "upper"
	case LowerTouched:
		return "lower"
	default:
		return "timeout"
	}
}

// Event is one labeled observation. T0/T1 are bar indices into the
// source series; Time0/Time1 the matching timestamps.
type Event struct {
	Symbol  string
	T0, T1  int
	Time0   time.Time
	Time1   time.Time
	Entry   float64
	Upper   float64
	Lower   float64
	Label   int // -1, 0, +1 (binary 0/1 in meta mode)
	Side    int // primary-model side in meta mode, 0 otherwise
	Return  float64
	Outcome Outcome
}

// Config tunes the barrier geometry.
type Config struct {
	PtMultiple float64 // profit-taking barrier in trailing-vol multiples
	SlMultiple float64 // stop-loss barrier in trailing-vol multiples
	MaxHolding int     // vertical barrier, in bars after t0
	Deadband   float64 // |return| at timeout below which the label is 0
}

func (c Config) validate() error {
	if c.PtMultiple <= 0 || c.SlMultiple <= 0 {
		return fmt.Errorf("barrier multiples must be positive (pt=%v sl=%v)", c.PtMultiple, c.SlMultiple)
	}
	if c.MaxHolding < 1 {
		return fmt.Errorf("max holding must be at least 1 bar, got %d", c.MaxHolding)
	}
	if c.Deadband < 0 {
		return fmt.Errorf("deadband must be non-negative, got %v", c.Deadband)
	}
	return nil
}

// Label runs the barrier state machine for each anchor index in t0s.
// vol is the trailing volatility series aligned to bars; the estimate
// used for an event at t0 is vol[t0-1], so only information strictly
// before the event start enters the barrier geometry.
func Label(s market.Series, vol []float64, t0s []int, cfg Config) ([]Event, error) {
	return run(s, vol, t0s, nil, cfg)
}

// LabelMeta labels events whose direction was decided in advance by a
// primary model. sides[i] is the side for t0s[i] (+1 or -1); barriers
// are asymmetric to that side and the label is binary: 1 when acting on
// the side was profitable, 0 when not.
func LabelMeta(s market.Series, vol []float64, t0s []int, sides []int, cfg Config) ([]Event, error) {
	if len(sides) != len(t0s) {
		return nil, fmt.Errorf("sides length %d does not match anchors %d", len(sides), len(t0s))
	}
	return run(s, vol, t0s, sides, cfg)
}

func run(s market.Series, vol []float64, t0s []int, sides []int, cfg Config) ([]Event, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(vol) != len(s.Bars) {
		return nil, fmt.Errorf("vol length %d does not match series length %d", len(vol), len(s.Bars))
	}

	events := make([]Event, 0, len(t0s))
	for i, t0 := range t0s {
		if t0 < 1 || t0 >= len(s.Bars) {
			return nil, fmt.Errorf("anchor %d out of range", t0)
		}
		sigma := vol[t0-1]
		if math.IsNaN(sigma) || sigma <= 0 {
			return nil, fmt.Errorf("no trailing volatility available at anchor %d", t0)
		}
		side := 1
		if sides != nil {
			side = sides[i]
			if side != 1 && side != -1 {
				return nil, fmt.Errorf("side at anchor %d must be +1 or -1, got %d", t0, side)
			}
		}
		ev := track(s, t0, sigma, side, sides != nil, cfg)
		events = append(events, ev)
	}
	return events, nil
}

// track walks bars after t0 until a barrier is touched or the vertical
// barrier expires.
func track(s market.Series, t0 int, sigma float64, side int, meta bool, cfg Config) Event {
	entry := s.Bars[t0].Close

	// For a short side the profit target sits below entry and the stop
	// above, so the pt/sl multiples swap barriers.
	var upper, lower float64
	if side >= 0 {
		upper = entry * (1 + cfg.PtMultiple*sigma)
		lower = entry * (1 - cfg.SlMultiple*sigma)
	} else {
		upper = entry * (1 + cfg.SlMultiple*sigma)
		lower = entry * (1 - cfg.PtMultiple*sigma)
	}

	ev := Event{
		Symbol: s.Symbol,
		T0:     t0,
		Time0:  s.Bars[t0].Time,
		Entry:  entry,
		Upper:  upper,
		Lower:  lower,
	}
	if meta {
		ev.Side = side
	}

	end := t0 + cfg.MaxHolding
	if end >= len(s.Bars) {
		end = len(s.Bars) - 1
	}
	for t := t0 + 1; t <= end; t++ {
		bar := s.Bars[t]
		hitUp := bar.High >= upper
		hitDown := bar.Low <= lower
		if !hitUp && !hitDown {
			continue
		}
		outcome := UpperTouched
		if hitUp && hitDown {
			outcome = nearestBarrier(bar.Open, upper, lower)
		} else if hitDown {
			outcome = LowerTouched
		}
		price := upper
		if outcome == LowerTouched {
			price = lower
		}
		ev.T1 = t
		ev.Time1 = bar.Time
		ev.Outcome = outcome
		ev.Return = price/entry - 1
		ev.Label = labelFor(outcome, ev.Return, side, meta, cfg)
		return ev
	}

	// Vertical barrier.
	ev.T1 = end
	ev.Time1 = s.Bars[end].Time
	ev.Outcome = VerticalTimeout
	ev.Return = s.Bars[end].Close/entry - 1
	ev.Label = labelFor(VerticalTimeout, ev.Return, side, meta, cfg)
	return ev
}

// nearestBarrier resolves a same-bar double touch: the barrier nearer to
// the bar's open is taken as touched first. This is a fixed policy,
// shared with the virtual broker's exit fills.
func nearestBarrier(open, upper, lower float64) Outcome {
	if upper-open <= open-lower {
		return UpperTouched
	}
	return LowerTouched
}

func labelFor(outcome Outcome, ret float64, side int, meta bool, cfg Config) int {
	if meta {
		// Binary: did acting on the primary side pay off?
		if float64(side)*ret > cfg.Deadband {
			return 1
		}
		return 0
	}
	switch outcome {
	case UpperTouched:
		return 1
	case LowerTouched:
		return -1
	default:
		if ret > cfg.Deadband {
			return 1
		}
		if ret < -cfg.Deadband {
			return -1
		}
		return 0
	}
}

// MetaLabels converts raw directional labels plus realized outcomes into
// binary act/skip targets: 1 where the primary call matched the outcome.
func MetaLabels(primary, outcomes []int) ([]int, float64, error) {
	if len(primary) != len(outcomes) {
		return nil, 0, fmt.Errorf("length mismatch: %d vs %d", len(primary), len(outcomes))
	}
	meta := make([]int, len(primary))
	hits := 0
	for i := range primary {
		if primary[i] == outcomes[i] {
			meta[i] = 1
			hits++
		}
	}
	rate := 0.0
	if len(primary) > 0 {
		rate = float64(hits) / float64(len(primary))
	}
	return meta, rate, nil
}
