// Package strategy composes a primary model's directional score with a
// meta model's act/skip decision into sized trade intents. Evaluation is
// a pure function of its inputs so the same logic drives backtest and
// live-paper replay unchanged.
package strategy

import (
	"fmt"
	"time"

	"quantpipe/internal/models"
)

// Signal is one sized trade intent. It is consumed once by the
// simulator or live runner and then discarded; the ledger, not the
// signal stream, is the system of record.
type Signal struct {
	Symbol       string
	Time         time.Time
	Direction    int     // +1 long, -1 short
	Confidence   float64 // meta-model act probability
	SizeFraction float64 // fraction of equity to deploy
}

// View is the position context the caller passes in; evaluation never
// reads global state.
type View struct {
	Cash        float64
	Equity      float64
	PositionQty float64 // signed open quantity for the symbol
}

// Config bounds sizing and filtering.
type Config struct {
	MetaThreshold       float64 // act only when meta confidence reaches this
	MaxPositionFraction float64 // hard cap on capital per position; never full Kelly
}

// Validate rejects configurations that would remove the sizing cap.
func (c Config) Validate() error {
	if c.MaxPositionFraction <= 0 || c.MaxPositionFraction > 1 {
		return fmt.Errorf("max position fraction %v outside (0,1]", c.MaxPositionFraction)
	}
	if c.MetaThreshold < 0 || c.MetaThreshold > 1 {
		return fmt.Errorf("meta threshold %v outside [0,1]", c.MetaThreshold)
	}
	return nil
}

// Evaluate produces a signal or nil. The primary model supplies
// direction; the meta model supplies the act probability, which both
// filters the call and scales the capped position fraction.
func Evaluate(symbol string, ts time.Time, features []float64, view View,
	primary, meta models.Predictor, cfg Config) *Signal {

	if view.PositionQty != 0 {
		// One open position per symbol; exits are the broker's job
		// (stop, target, or time barrier), not a reverse signal.
		return nil
	}

	score := primary.Predict(features)
	direction := 1
	if score < 0 {
		direction = -1
	}

	confidence := 1.0
	if meta != nil {
		metaRow := append(append([]float64(nil), features...), score)
		confidence = meta.Predict(metaRow)
		if confidence < cfg.MetaThreshold {
			return nil
		}
	}

	size := cfg.MaxPositionFraction * confidence
	if size > cfg.MaxPositionFraction {
		size = cfg.MaxPositionFraction
	}
	if size <= 0 {
		return nil
	}
	return &Signal{
		Symbol:       symbol,
		Time:         ts,
		Direction:    direction,
		Confidence:   confidence,
		SizeFraction: size,
	}
}
