package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe/internal/broker"
	"quantpipe/internal/features"
	"quantpipe/internal/market"
	"quantpipe/internal/risk"
	"quantpipe/internal/strategy"
)

type fixedModel float64

func (m fixedModel) Predict([]float64) float64 { return float64(m) }

// feedEvent is one scripted step: a bar or an error.
type feedEvent struct {
	bar market.Bar
	err error
}

// scriptFeed replays batches of events; Redial advances to the next
// batch. When the script runs dry it reports a connectivity fault, or
// blocks until cancellation when blockAtEnd is set.
type scriptFeed struct {
	mu         sync.Mutex
	batches    [][]feedEvent
	batch, pos int
	redials    int
	blockAtEnd bool
}

func (f *scriptFeed) Next(ctx context.Context) (market.Bar, error) {
	f.mu.Lock()
	if f.batch < len(f.batches) && f.pos < len(f.batches[f.batch]) {
		ev := f.batches[f.batch][f.pos]
		f.pos++
		f.mu.Unlock()
		return ev.bar, ev.err
	}
	block := f.blockAtEnd
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return market.Bar{}, ctx.Err()
	}
	return market.Bar{}, &ConnectivityError{Reason: "stream ended"}
}

func (f *scriptFeed) Close() error { return nil }

func (f *scriptFeed) Redial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redials++
	if f.batch+1 >= len(f.batches) {
		return &ConnectivityError{Reason: "upstream down"}
	}
	f.batch++
	f.pos = 0
	return nil
}

func oscillatingBars(n int, start time.Time, interval time.Duration, level float64) []feedEvent {
	evs := make([]feedEvent, n)
	prev := level
	for i := 0; i < n; i++ {
		close := level
		if i%2 == 1 {
			close = level * 1.0001
		}
		hi, lo := prev, close
		if hi < lo {
			hi, lo = lo, hi
		}
		evs[i] = feedEvent{bar: market.Bar{
			Time: start.Add(time.Duration(i) * interval),
			Open: prev, High: hi * 1.00005, Low: lo * 0.99995, Close: close, Volume: 1000,
		}}
		prev = close
	}
	return evs
}

func testConfig() Config {
	return Config{
		Symbol:      "TEST",
		BarInterval: time.Minute,
		GapFactor:   2.5,
		QueueDepth:  8,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Window:      64,
		Strategy:    strategy.Config{MetaThreshold: 0, MaxPositionFraction: 0.1},
		Features:    features.MatrixConfig{Order: 0.4, Tolerance: 1e-2, VolWindow: 5, SMAWindow: 3, MomWindow: 2},
		MaxHold:     3,
	}
}

func newTestRunner(t *testing.T, cfg Config, feed Feed) (*Runner, *broker.Ledger) {
	t.Helper()
	log := zerolog.Nop()
	ledger := broker.NewLedger()
	vb := broker.NewVirtual(broker.VirtualConfig{InitialCash: 10_000, FeeRate: 0.001, Slippage: 0.0005}, ledger, log)
	rm := risk.NewManager(risk.Limits{MaxPositionFraction: 0.1, MaxDailyLossPct: 0.5}, log)
	r, err := NewRunner(cfg, feed, vb, rm, fixedModel(1), nil, log)
	require.NoError(t, err)
	return r, ledger
}

func TestRunnerTradesAndHaltsWhenStreamDies(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	feed := &scriptFeed{batches: [][]feedEvent{oscillatingBars(40, start, time.Minute, 100)}}
	r, ledger := newTestRunner(t, testConfig(), feed)

	err := r.Run(context.Background())
	var cerr *ConnectivityError
	require.ErrorAs(t, err, &cerr)

	s := r.Session().Snapshot()
	assert.Equal(t, 40, s.Bars)
	assert.True(t, s.Stale)
	assert.Greater(t, s.Signals, 0, "warmup should leave room for signals")
	assert.Greater(t, s.Fills, 0)
	assert.NotEmpty(t, ledger.Entries())
}

func TestRunnerReconnectsAcrossBatches(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	first := oscillatingBars(10, start, time.Minute, 100)
	second := oscillatingBars(10, start.Add(10*time.Minute), time.Minute, 100)
	feed := &scriptFeed{batches: [][]feedEvent{first, second}}
	r, _ := newTestRunner(t, testConfig(), feed)

	err := r.Run(context.Background())
	var cerr *ConnectivityError
	require.ErrorAs(t, err, &cerr)

	s := r.Session().Snapshot()
	assert.Equal(t, 20, s.Bars, "bars from both batches should be consumed")
	assert.GreaterOrEqual(t, feed.redials, 1)
	assert.GreaterOrEqual(t, s.Faults, 2, "one fault per stream loss")
}

func TestRunnerCountsGapAsFault(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	evs := oscillatingBars(5, start, time.Minute, 100)
	// jump far past the gap threshold
	evs = append(evs, oscillatingBars(5, start.Add(2*time.Hour), time.Minute, 100)...)
	feed := &scriptFeed{batches: [][]feedEvent{evs}}
	r, _ := newTestRunner(t, testConfig(), feed)

	err := r.Run(context.Background())
	var cerr *ConnectivityError
	require.ErrorAs(t, err, &cerr)

	s := r.Session().Snapshot()
	assert.Equal(t, 10, s.Bars)
	assert.GreaterOrEqual(t, s.Faults, 2, "the gap and the stream loss each count")
	assert.Equal(t, 0, s.Signals, "short windows on both sides of the gap stay in warmup")
}

func TestRunnerGracefulCancel(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	feed := &scriptFeed{batches: [][]feedEvent{oscillatingBars(5, start, time.Minute, 100)}, blockAtEnd: true}
	r, _ := newTestRunner(t, testConfig(), feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
	s := r.Session().Snapshot()
	assert.Equal(t, 5, s.Bars, "queued bars are still marked before shutdown")
	assert.False(t, s.Stale)
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.MaxPositionFraction = 0
	_, err := NewRunner(cfg, &scriptFeed{}, nil, nil, fixedModel(1), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestConnectivityErrorMessage(t *testing.T) {
	e := &ConnectivityError{Reason: "read timeout", Gap: 3 * time.Minute}
	assert.Contains(t, e.Error(), "read timeout")
	assert.Contains(t, e.Error(), "3m")
}
