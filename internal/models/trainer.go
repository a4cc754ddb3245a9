package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"quantpipe/internal/validation"
)

// FoldResult is the trained output for one fold.
type FoldResult struct {
	FoldID   int
	Primary  *Logistic
	Meta     *Logistic
	Accuracy float64 // primary accuracy on the fold's test events
}

// TrainerConfig tunes fold training.
type TrainerConfig struct {
	Primary   TrainConfig
	Meta      TrainConfig
	TrainMeta bool
}

// Trainer fits a primary model per fold, then a meta model on the
// primary's out-of-fold scores. Folds are independent after
// partitioning, so primary fits run in parallel worker goroutines over
// read-only inputs.
type Trainer struct {
	cfg TrainerConfig
	log zerolog.Logger
}

// NewTrainer builds a trainer.
func NewTrainer(cfg TrainerConfig, log zerolog.Logger) *Trainer {
	return &Trainer{cfg: cfg, log: log.With().Str("component", "trainer").Logger()}
}

// Train fits per-fold models. x holds one feature row per event, y the
// event labels, both aligned to the fold index sets.
func (t *Trainer) Train(ctx context.Context, x [][]float64, y []int, folds []validation.Fold) ([]FoldResult, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("features/labels length mismatch: %d vs %d", len(x), len(y))
	}

	results := make([]FoldResult, len(folds))
	errs := make([]error, len(folds))
	var wg sync.WaitGroup
	for i := range folds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return
			}
			results[i], errs[i] = t.trainPrimary(x, y, folds[i])
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	if t.cfg.TrainMeta {
		if err := t.trainMeta(x, y, folds, results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (t *Trainer) trainPrimary(x [][]float64, y []int, fold validation.Fold) (FoldResult, error) {
	trainX, trainY := gather(x, y, fold.Train)
	// Seed varies per fold so fold models differ, but deterministically.
	cfg := t.cfg.Primary
	cfg.Seed += int64(fold.ID)
	primary, err := TrainLogistic(trainX, trainY, cfg)
	if err != nil {
		return FoldResult{}, fmt.Errorf("fold %d primary: %w", fold.ID, err)
	}

	hits := 0
	for _, i := range fold.Test {
		if directionOf(primary.Predict(x[i])) == sign(y[i]) {
			hits++
		}
	}
	acc := float64(hits) / float64(len(fold.Test))
	t.log.Info().Int("fold", fold.ID).Float64("accuracy", acc).
		Int("train", len(fold.Train)).Int("test", len(fold.Test)).Msg("primary model fitted")
	return FoldResult{FoldID: fold.ID, Primary: primary, Accuracy: acc}, nil
}

// trainMeta fits per-fold meta models from out-of-fold primary scores.
// Each event's score comes from the one fold where it sat in the test
// set, so no meta training row was ever seen in-fold by the primary
// that scored it.
func (t *Trainer) trainMeta(x [][]float64, y []int, folds []validation.Fold, results []FoldResult) error {
	oof := make([]float64, len(x))
	scored := make([]bool, len(x))
	for fi, f := range folds {
		for _, i := range f.Test {
			oof[i] = results[fi].Primary.Predict(x[i])
			scored[i] = true
		}
	}

	for fi, f := range folds {
		var metaX [][]float64
		var metaY []int
		for _, i := range f.Train {
			if !scored[i] {
				continue
			}
			row := append(append([]float64(nil), x[i]...), oof[i])
			metaX = append(metaX, row)
			correct := 0
			if directionOf(oof[i]) == sign(y[i]) {
				correct = 1
			}
			metaY = append(metaY, correct)
		}
		if len(metaX) == 0 {
			return fmt.Errorf("fold %d: no out-of-fold scores available for meta training", f.ID)
		}
		cfg := t.cfg.Meta
		cfg.Seed += int64(f.ID)
		meta, err := TrainLogistic(metaX, metaY, cfg)
		if err != nil {
			return fmt.Errorf("fold %d meta: %w", f.ID, err)
		}
		results[fi].Meta = meta

		hits := 0
		for _, c := range metaY {
			hits += c
		}
		t.log.Debug().
			Int("fold", f.ID).
			Int("rows", len(metaY)).
			Float64("primary_hit_rate", float64(hits)/float64(len(metaY))).
			Msg("meta model trained")
	}
	return nil
}

func gather(x [][]float64, y []int, idx []int) ([][]float64, []int) {
	gx := make([][]float64, 0, len(idx))
	gy := make([]int, 0, len(idx))
	for _, i := range idx {
		gx = append(gx, x[i])
		gy = append(gy, y[i])
	}
	return gx, gy
}

func directionOf(score float64) int {
	if score >= 0 {
		return 1
	}
	return -1
}

func sign(label int) int {
	if label >= 0 {
		return 1
	}
	return -1
}
