// Package validation partitions labeled events into purged and
// embargoed folds so that no training interval can leak information
// into a test interval.
package validation

import (
	"fmt"
	"time"

	"quantpipe/internal/labeling"
)

// Fold is one train/test partition over event indices.
type Fold struct {
	ID        int
	Train     []int
	Test      []int
	TestStart time.Time
	TestEnd   time.Time
}

// Config tunes the partitioning.
type Config struct {
	NFolds          int
	EmbargoFraction float64 // fraction of the test block span embargoed after it
}

// ConfigError reports a partitioning configuration that cannot yield
// usable folds. It aborts the run before any training proceeds.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "fold configuration: " + e.Reason }

// LeakageError is a hard fault: a generated fold violates the purge or
// embargo invariant. There is no recoverable path, since proceeding
// would silently invalidate every result downstream.
type LeakageError struct {
	FoldID     int
	TrainEvent int
	TestEvent  int
	Reason     string
}

func (e *LeakageError) Error() string {
	return fmt.Sprintf("leakage invariant violated in fold %d (train event %d, test event %d): %s",
		e.FoldID, e.TrainEvent, e.TestEvent, e.Reason)
}

// Partition assigns contiguous time blocks of events to k test folds,
// then purges from each fold's training set every event whose [t0,t1]
// interval overlaps the test block and embargoes events starting within
// the configured horizon after the block ends. Events must already be
// ordered by start time, as the labeler produces them.
func Partition(events []labeling.Event, cfg Config) ([]Fold, error) {
	if cfg.NFolds < 2 {
		return nil, &ConfigError{Reason: fmt.Sprintf("need at least 2 folds, got %d", cfg.NFolds)}
	}
	if cfg.EmbargoFraction < 0 || cfg.EmbargoFraction >= 1 {
		return nil, &ConfigError{Reason: fmt.Sprintf("embargo fraction %v outside [0,1)", cfg.EmbargoFraction)}
	}
	if len(events) < cfg.NFolds*2 {
		return nil, &ConfigError{Reason: fmt.Sprintf("%d events cannot fill %d folds", len(events), cfg.NFolds)}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Time0.Before(events[i-1].Time0) {
			return nil, &ConfigError{Reason: fmt.Sprintf("events not ordered by start time at index %d", i)}
		}
	}

	blockSize := len(events) / cfg.NFolds
	folds := make([]Fold, 0, cfg.NFolds)
	for k := 0; k < cfg.NFolds; k++ {
		lo := k * blockSize
		hi := lo + blockSize
		if k == cfg.NFolds-1 {
			hi = len(events)
		}

		f := Fold{ID: k, TestStart: events[lo].Time0, TestEnd: blockEnd(events[lo:hi])}
		for i := lo; i < hi; i++ {
			f.Test = append(f.Test, i)
		}

		embargoUntil := f.TestEnd.Add(embargoHorizon(f.TestStart, f.TestEnd, cfg.EmbargoFraction))
		for i := range events {
			if i >= lo && i < hi {
				continue
			}
			ev := events[i]
			// Purge: any overlap between the train interval and the
			// test block excludes the event.
			if overlaps(ev.Time0, ev.Time1, f.TestStart, f.TestEnd) {
				continue
			}
			// Embargo: trailing buffer after the test block against
			// serial correlation leaking backward into the model.
			if ev.Time0.After(f.TestEnd) && !ev.Time0.After(embargoUntil) {
				continue
			}
			f.Train = append(f.Train, i)
		}
		if len(f.Train) == 0 {
			return nil, &ConfigError{Reason: fmt.Sprintf(
				"purge and embargo removed all training events for fold %d (folds=%d embargo=%v)",
				k, cfg.NFolds, cfg.EmbargoFraction)}
		}
		folds = append(folds, f)
	}
	return folds, nil
}

// Check re-verifies the purge and embargo invariants on generated folds
// by exhaustive pairwise comparison. A failure is a LeakageError and
// must abort the run.
func Check(events []labeling.Event, folds []Fold, cfg Config) error {
	for _, f := range folds {
		embargoUntil := f.TestEnd.Add(embargoHorizon(f.TestStart, f.TestEnd, cfg.EmbargoFraction))
		for _, ti := range f.Train {
			tr := events[ti]
			for _, si := range f.Test {
				te := events[si]
				if overlaps(tr.Time0, tr.Time1, te.Time0, te.Time1) {
					return &LeakageError{FoldID: f.ID, TrainEvent: ti, TestEvent: si,
						Reason: "train and test intervals overlap"}
				}
			}
			if tr.Time0.After(f.TestEnd) && !tr.Time0.After(embargoUntil) {
				return &LeakageError{FoldID: f.ID, TrainEvent: ti, TestEvent: -1,
					Reason: "train event starts inside the embargo window"}
			}
		}
	}
	return nil
}

func blockEnd(block []labeling.Event) time.Time {
	end := block[0].Time1
	for _, ev := range block[1:] {
		if ev.Time1.After(end) {
			end = ev.Time1
		}
	}
	return end
}

func embargoHorizon(start, end time.Time, fraction float64) time.Duration {
	return time.Duration(float64(end.Sub(start)) * fraction)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}
