package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe/internal/config"
)

// writeBars generates a noisy upward drift and writes it as CSV.
func writeBars(t *testing.T, dir string, n int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

	path := filepath.Join(dir, "bars.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	fmt.Fprintln(f, "time,open,high,low,close,volume")
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		price *= math.Exp(0.0005 + 0.01*rng.NormFloat64())
		hi := math.Max(open, price) * 1.001
		lo := math.Min(open, price) * 0.999
		fmt.Fprintf(f, "%s,%.6f,%.6f,%.6f,%.6f,%d\n",
			start.Add(time.Duration(i)*24*time.Hour).Format(time.RFC3339),
			open, hi, lo, price, 1000+i)
	}
	return path
}

func testRoot(t *testing.T, dir string) config.Root {
	return config.Root{
		Symbol:      "TEST",
		BarsPath:    writeBars(t, dir, 400),
		RegistryDir: filepath.Join(dir, "registry"),
		Features: config.Features{
			DifferencingOrder:     0.4,
			DifferencingTolerance: 1e-2,
			VolWindow:             10,
			SMAWindow:             5,
			MomentumWindow:        3,
		},
		Labeling: config.Labeling{
			BarrierPtMultiple: 2,
			BarrierSlMultiple: 1,
			MaxHoldingPeriod:  10,
		},
		Validation: config.Validation{NFolds: 3, EmbargoFraction: 0.05},
		Execution: config.Execution{
			InitialCash:         100_000,
			FeeRate:             0.001,
			Slippage:            0.0005,
			MaxPositionFraction: 0.1,
			MaxDailyLossPct:     0.5,
		},
		Live: config.Live{BarInterval: config.Duration(24 * time.Hour)},
	}
}

func TestPrepareBuildsAlignedDataset(t *testing.T) {
	cfg := testRoot(t, t.TempDir())
	p, err := Prepare(cfg, zerolog.Nop())
	require.NoError(t, err)

	assert.Greater(t, len(p.Events), 300)
	assert.Equal(t, len(p.Events), len(p.X))
	assert.Equal(t, len(p.Events), len(p.Y))
	assert.Len(t, p.Folds, 3)
	for i, ev := range p.Events {
		assert.Equal(t, ev.Label, p.Y[i])
		assert.GreaterOrEqual(t, ev.T1, ev.T0)
	}
}

func TestTrainRegistersArtifactsAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testRoot(t, dir)
	log := zerolog.Nop()
	p, err := Prepare(cfg, log)
	require.NoError(t, err)

	results, err := Train(context.Background(), p, "trend-v1", cfg.RegistryDir, log)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, fr := range results {
		assert.NotNil(t, fr.Primary)
		assert.NotNil(t, fr.Meta)
		assert.GreaterOrEqual(t, fr.Accuracy, 0.0)
		assert.LessOrEqual(t, fr.Accuracy, 1.0)
	}

	primary, meta, err := LoadModels(cfg.RegistryDir, "trend-v1", 0, log)
	require.NoError(t, err)
	require.NotNil(t, primary)
	require.NotNil(t, meta)

	// reloaded predictor must agree with the in-memory one
	got := primary.Predict(p.X[0])
	want := results[0].Primary.Predict(p.X[0])
	assert.Equal(t, want, got)
}

func TestLoadModelsMissingPrimary(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadModels(dir, "nope", 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestBacktestIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	cfg := testRoot(t, dir)
	log := zerolog.Nop()
	p, err := Prepare(cfg, log)
	require.NoError(t, err)
	results, err := Train(context.Background(), p, "trend-v1", cfg.RegistryDir, log)
	require.NoError(t, err)

	run := func() *BacktestResult {
		r, err := Backtest(context.Background(), p, cfg, results[0].Primary, results[0].Meta, log)
		require.NoError(t, err)
		return r
	}
	a, b := run(), run()

	assert.Equal(t, a.Report, b.Report)
	require.Equal(t, len(a.Ledger), len(b.Ledger))
	assert.Equal(t, a.Ledger, b.Ledger)
	assert.Greater(t, a.Report.FinalEquity, 0.0)
	assert.NotEmpty(t, a.Ledger)
}
