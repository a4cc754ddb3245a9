// Package market holds the bar data model and the validation applied to
// every historical series before any downstream stage consumes it.
package market

import (
	"fmt"
	"math"
	"time"
)

// Bar is a single OHLCV observation. Bars are immutable once ingested.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series is an ordered bar sequence for one symbol.
type Series struct {
	Symbol string
	Bars   []Bar
}

// Closes returns the close column.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Times returns the timestamp column.
func (s Series) Times() []time.Time {
	out := make([]time.Time, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Time
	}
	return out
}

// DataQualityError reports a defect in an ingested series. Runs abort on
// it before any simulation proceeds; gaps and bad timestamps are never
// silently repaired.
type DataQualityError struct {
	Symbol string
	Index  int
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s bar %d: %s", e.Symbol, e.Index, e.Reason)
}

// Validate checks ordering, duplicates, numeric sanity, and gap size.
// maxGap <= 0 disables the gap check.
func (s Series) Validate(maxGap time.Duration) error {
	if len(s.Bars) == 0 {
		return &DataQualityError{Symbol: s.Symbol, Index: 0, Reason: "empty series"}
	}
	for i, b := range s.Bars {
		if badFloat(b.Open) || badFloat(b.High) || badFloat(b.Low) || badFloat(b.Close) || badFloat(b.Volume) {
			return &DataQualityError{Symbol: s.Symbol, Index: i, Reason: "NaN or Inf field"}
		}
		if b.High < b.Low {
			return &DataQualityError{Symbol: s.Symbol, Index: i, Reason: "high below low"}
		}
		if b.Close <= 0 || b.Open <= 0 {
			return &DataQualityError{Symbol: s.Symbol, Index: i, Reason: "non-positive price"}
		}
		if i == 0 {
			continue
		}
		prev := s.Bars[i-1]
		if !b.Time.After(prev.Time) {
			return &DataQualityError{Symbol: s.Symbol, Index: i, Reason: "timestamp not strictly increasing"}
		}
		if maxGap > 0 && b.Time.Sub(prev.Time) > maxGap {
			return &DataQualityError{
				Symbol: s.Symbol,
				Index:  i,
				Reason: fmt.Sprintf("gap %s exceeds max %s", b.Time.Sub(prev.Time), maxGap),
			}
		}
	}
	return nil
}

func badFloat(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
