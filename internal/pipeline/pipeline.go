// Package pipeline chains the research stages so the CLI commands
// share one code path: load bars, build features, label events, carve
// leakage-safe folds, fit models, and replay the strategy through the
// virtual broker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"quantpipe/internal/broker"
	"quantpipe/internal/config"
	"quantpipe/internal/features"
	"quantpipe/internal/labeling"
	"quantpipe/internal/market"
	"quantpipe/internal/models"
	"quantpipe/internal/risk"
	"quantpipe/internal/sim"
	"quantpipe/internal/strategy"
	"quantpipe/internal/validation"
)

// Prepared is the training-ready dataset.
type Prepared struct {
	Series market.Series
	Matrix features.Matrix
	Events []labeling.Event
	X      [][]float64
	Y      []int
	Folds  []validation.Fold
}

// Prepare runs the data and labeling stages. Every usable feature row
// becomes a candidate event anchor; anchors without a clean trailing
// volatility estimate, and (when a deadband is set) events whose move
// fell inside it, are dropped from the training set.
func Prepare(cfg config.Root, log zerolog.Logger) (*Prepared, error) {
	series, err := market.LoadCSV(cfg.BarsPath, cfg.Symbol)
	if err != nil {
		return nil, err
	}
	// no max-gap bound here: historical files may legitimately skip
	// weekends and holidays; gap policing is the live runner's job
	if err := series.Validate(0); err != nil {
		return nil, err
	}

	mx, err := features.Build(series, features.MatrixConfig{
		Order:     cfg.Features.DifferencingOrder,
		Tolerance: cfg.Features.DifferencingTolerance,
		VolWindow: cfg.Features.VolWindow,
		SMAWindow: cfg.Features.SMAWindow,
		MomWindow: cfg.Features.MomentumWindow,
	})
	if err != nil {
		return nil, err
	}
	if err := mx.CheckQuality(series.Symbol); err != nil {
		return nil, err
	}

	// advisory only: a differencing order too low to reach
	// stationarity degrades the models but is not a hard fault
	fd := make([]float64, len(mx.Rows))
	for r := range mx.Rows {
		fd[r] = mx.Rows[r][0]
	}
	if adf, err := features.Stationarity(fd, 0.95); err == nil && !adf.Stationary {
		log.Warn().
			Float64("t_stat", adf.TStat).
			Float64("critical", adf.Critical).
			Float64("order", cfg.Features.DifferencingOrder).
			Msg("differenced series not stationary at 95%")
	}

	var anchors []int
	var rows [][]float64
	n := len(series.Bars)
	for r, i := range mx.Index {
		if i < 1 || i >= n-1 {
			continue
		}
		sigma := mx.Vol[i-1]
		if math.IsNaN(sigma) || sigma <= 0 {
			continue
		}
		anchors = append(anchors, i)
		rows = append(rows, mx.Rows[r])
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("no usable event anchors in %d bars", n)
	}

	events, err := labeling.Label(series, mx.Vol, anchors, labeling.Config{
		PtMultiple: cfg.Labeling.BarrierPtMultiple,
		SlMultiple: cfg.Labeling.BarrierSlMultiple,
		MaxHolding: cfg.Labeling.MaxHoldingPeriod,
		Deadband:   cfg.Labeling.Deadband,
	})
	if err != nil {
		return nil, err
	}

	p := &Prepared{Series: series, Matrix: mx}
	for k, ev := range events {
		if ev.Label == 0 && cfg.Labeling.Deadband > 0 {
			continue
		}
		p.Events = append(p.Events, ev)
		p.X = append(p.X, rows[k])
		p.Y = append(p.Y, ev.Label)
	}
	if len(p.Events) == 0 {
		return nil, fmt.Errorf("all %d events fell inside the deadband", len(events))
	}

	folds, err := validation.Partition(p.Events, validation.Config{
		NFolds:          cfg.Validation.NFolds,
		EmbargoFraction: cfg.Validation.EmbargoFraction,
	})
	if err != nil {
		return nil, err
	}
	if err := validation.Check(p.Events, folds, validation.Config{
		NFolds:          cfg.Validation.NFolds,
		EmbargoFraction: cfg.Validation.EmbargoFraction,
	}); err != nil {
		return nil, err
	}
	p.Folds = folds

	log.Info().
		Int("bars", n).
		Int("events", len(p.Events)).
		Int("folds", len(folds)).
		Msg("dataset prepared")
	return p, nil
}

// Train fits per-fold primary and meta models and registers each in
// the artifact store under strategyID.
func Train(ctx context.Context, p *Prepared, strategyID, registryDir string, log zerolog.Logger) ([]models.FoldResult, error) {
	trainer := models.NewTrainer(models.TrainerConfig{TrainMeta: true}, log)
	results, err := trainer.Train(ctx, p.X, p.Y, p.Folds)
	if err != nil {
		return nil, err
	}

	store, err := models.NewFileStore(registryDir)
	if err != nil {
		return nil, err
	}
	reg := models.NewRegistry(store, log)
	schema := append([]string(nil), p.Matrix.Names...)
	for _, fr := range results {
		if _, err := reg.Register(strategyID, fr.FoldID, "primary", schema, fr.Primary); err != nil {
			return nil, err
		}
		if fr.Meta != nil {
			metaSchema := append(append([]string(nil), schema...), "primary_score")
			// meta artifacts live under their own ID so versions of the
			// two model kinds never interleave
			if _, err := reg.Register(strategyID+"-meta", fr.FoldID, "meta", metaSchema, fr.Meta); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// LoadModels pulls the latest primary and meta artifacts for foldID.
// A missing meta model is not an error; the strategy then trades on
// the primary signal alone.
func LoadModels(registryDir, strategyID string, foldID int, log zerolog.Logger) (primary, meta models.Predictor, err error) {
	store, err := models.NewFileStore(registryDir)
	if err != nil {
		return nil, nil, err
	}
	reg := models.NewRegistry(store, log)
	p, _, err := reg.Latest(strategyID, foldID)
	if err != nil {
		return nil, nil, fmt.Errorf("load primary: %w", err)
	}
	m, _, merr := reg.Latest(strategyID+"-meta", foldID)
	if errors.Is(merr, models.ErrNotFound) {
		return p, nil, nil
	}
	if merr != nil {
		return nil, nil, fmt.Errorf("load meta: %w", merr)
	}
	return p, m, nil
}

// BacktestResult bundles the replay outputs.
type BacktestResult struct {
	Report sim.Report
	Ledger []broker.LedgerEntry
}

// Backtest replays the strategy over the prepared series.
func Backtest(ctx context.Context, p *Prepared, cfg config.Root, primary, meta models.Predictor, log zerolog.Logger) (*BacktestResult, error) {
	ledger := broker.NewLedger()
	vb := broker.NewVirtual(broker.VirtualConfig{
		InitialCash: cfg.Execution.InitialCash,
		FeeRate:     cfg.Execution.FeeRate,
		Slippage:    cfg.Execution.Slippage,
	}, ledger, log)
	rm := risk.NewManager(risk.Limits{
		MaxPositionFraction: cfg.Execution.MaxPositionFraction,
		MaxDailyLossPct:     cfg.Execution.MaxDailyLossPct,
	}, log)
	engine := sim.NewEngine(vb, rm, strategy.Config{
		MetaThreshold:       cfg.Execution.MetaThreshold,
		MaxPositionFraction: cfg.Execution.MaxPositionFraction,
	}, sim.ExitConfig{
		PtMultiple: cfg.Labeling.BarrierPtMultiple,
		SlMultiple: cfg.Labeling.BarrierSlMultiple,
		MaxHold:    cfg.Labeling.MaxHoldingPeriod,
	}, log)

	if err := engine.Run(ctx, p.Series, p.Matrix, primary, meta); err != nil {
		return nil, err
	}
	report := sim.BuildReport(ledger.Entries(), cfg.Execution.InitialCash, periodsPerYear(cfg.Live.BarInterval.Std()))
	return &BacktestResult{Report: report, Ledger: ledger.Entries()}, nil
}

func periodsPerYear(d time.Duration) float64 {
	if d <= 0 {
		return 252
	}
	return (365 * 24 * 3600) / d.Seconds()
}
