package live

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"quantpipe/internal/broker"
	"quantpipe/internal/features"
	"quantpipe/internal/market"
	"quantpipe/internal/models"
	"quantpipe/internal/observ"
	"quantpipe/internal/risk"
	"quantpipe/internal/strategy"
)

// Stats is what a session has seen so far.
type Stats struct {
	Start   time.Time
	Bars    int
	Signals int
	Fills   int
	Faults  int
	Stale   bool
}

// Session tracks what happened since the runner started.
type Session struct {
	mu    sync.Mutex
	stats Stats
}

// Snapshot returns a copy safe to read concurrently.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) bump(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// redialer is implemented by feeds that can re-establish their stream.
type redialer interface {
	Redial(ctx context.Context) error
}

// Config controls the live loop.
type Config struct {
	Symbol      string
	BarInterval time.Duration
	// GapFactor marks a connectivity fault when the spacing between
	// consecutive bars exceeds GapFactor*BarInterval. A gap is never
	// synthesized into a flat bar; the rolling window restarts instead.
	GapFactor   float64
	QueueDepth  int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Window      int // trailing bars kept for feature computation
	Strategy    strategy.Config
	Features    features.MatrixConfig
	PtMultiple  float64
	SlMultiple  float64
	MaxHold     int
}

func (c *Config) defaults() {
	if c.GapFactor <= 0 {
		c.GapFactor = 2.5
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 512
	}
}

// Runner consumes a feed and drives the virtual broker. A single
// consumer goroutine owns all portfolio mutation; the ingest side only
// reads the socket and pushes into a bounded queue.
type Runner struct {
	cfg     Config
	feed    Feed
	vb      *broker.Virtual
	rm      *risk.Manager
	primary models.Predictor
	meta    models.Predictor
	breaker *gobreaker.CircuitBreaker
	session *Session
	metrics *observ.Metrics
	log     zerolog.Logger
}

// NewRunner wires a runner. meta may be nil.
func NewRunner(cfg Config, feed Feed, vb *broker.Virtual, rm *risk.Manager, primary, meta models.Predictor, log zerolog.Logger) (*Runner, error) {
	cfg.defaults()
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, err
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed_redial",
		MaxRequests: 1,
		Timeout:     cfg.MaxBackoff,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	return &Runner{
		cfg:     cfg,
		feed:    feed,
		vb:      vb,
		rm:      rm,
		primary: primary,
		meta:    meta,
		breaker: cb,
		session: &Session{stats: Stats{Start: time.Now().UTC()}},
		log:     log.With().Str("component", "live_runner").Str("symbol", cfg.Symbol).Logger(),
	}, nil
}

// Session exposes the runner's counters.
func (r *Runner) Session() *Session { return r.session }

// WithMetrics attaches a metric set; call before Run.
func (r *Runner) WithMetrics(m *observ.Metrics) *Runner {
	r.metrics = m
	return r
}

// Run blocks until the feed is declared stale or ctx is cancelled.
// Cancellation is graceful: bars already queued are still marked so
// the ledger closes on a consistent equity.
func (r *Runner) Run(ctx context.Context) error {
	bars := make(chan market.Bar, r.cfg.QueueDepth)
	ingestErr := make(chan error, 1)

	go func() {
		defer close(bars)
		ingestErr <- r.ingest(ctx, bars)
	}()

	window := make([]market.Bar, 0, r.cfg.Window)
	draining := false
	for bar := range bars {
		select {
		case <-ctx.Done():
			draining = true
		default:
		}
		r.session.bump(func(s *Stats) { s.Bars++ })

		if n := len(window); n > 0 {
			gap := bar.Time.Sub(window[n-1].Time)
			if float64(gap) > r.cfg.GapFactor*float64(r.cfg.BarInterval) {
				r.session.bump(func(s *Stats) { s.Faults++ })
				r.log.Warn().Dur("gap", gap).Msg("bar gap, restarting feature window")
				window = window[:0]
			}
		}
		window = append(window, bar)
		if len(window) > r.cfg.Window {
			copy(window, window[1:])
			window = window[:r.cfg.Window]
		}

		r.step(window, draining)
	}

	err := <-ingestErr
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	if err != nil {
		r.halt()
		return err
	}
	return ctx.Err()
}

// step processes the newest bar in window: fills and exits at its
// open, a mark at its close, then a fresh evaluation. When draining,
// no new orders are placed.
func (r *Runner) step(window []market.Bar, draining bool) {
	bar := window[len(window)-1]
	fills := r.vb.OpenBar(bar, r.cfg.Symbol)
	if len(fills) > 0 {
		r.session.bump(func(s *Stats) { s.Fills += len(fills) })
	}
	r.vb.Mark(bar, r.cfg.Symbol)
	if r.metrics != nil {
		r.metrics.BarsIngested.WithLabelValues(r.cfg.Symbol).Inc()
		r.metrics.OrdersFilled.WithLabelValues(r.cfg.Symbol).Add(float64(len(fills)))
		r.metrics.Equity.WithLabelValues("paper").Set(r.equity(bar))
	}
	if draining {
		return
	}

	series := market.Series{Symbol: r.cfg.Symbol, Bars: window}
	mx, err := features.Build(series, r.cfg.Features)
	if err != nil || len(mx.Rows) == 0 {
		return
	}
	last := len(mx.Rows) - 1
	if mx.Index[last] != len(window)-1 {
		return // newest bar still inside warmup
	}

	var pos float64
	if p, ok, err := r.vb.Position(context.Background(), r.cfg.Symbol); err == nil && ok {
		pos = p.Qty
	}
	cash, _ := r.vb.Balance(context.Background())
	view := strategy.View{Cash: cash, Equity: r.equity(bar), PositionQty: pos}
	sig := strategy.Evaluate(r.cfg.Symbol, bar.Time, mx.Rows[last], view, r.primary, r.meta, r.cfg.Strategy)
	sig = r.rm.Approve(sig, view.Equity)
	if sig == nil {
		return
	}
	r.session.bump(func(s *Stats) { s.Signals++ })
	r.submit(sig, bar, mx.Vol[mx.Index[last]])
}

func (r *Runner) equity(bar market.Bar) float64 {
	return r.vb.Equity(map[string]float64{r.cfg.Symbol: bar.Close})
}

func (r *Runner) submit(sig *strategy.Signal, bar market.Bar, sigma float64) {
	if math.IsNaN(sigma) || sigma <= 0 {
		return
	}
	equity := r.equity(bar)
	qty := equity * sig.SizeFraction / bar.Close
	if qty <= 0 {
		return
	}
	var stop, target float64
	if r.cfg.PtMultiple > 0 {
		target = bar.Close * (1 + float64(sig.Direction)*r.cfg.PtMultiple*sigma)
	}
	if r.cfg.SlMultiple > 0 {
		stop = bar.Close * (1 - float64(sig.Direction)*r.cfg.SlMultiple*sigma)
	}
	side := broker.Buy
	if sig.Direction < 0 {
		side = broker.Sell
	}
	order := broker.Order{
		Symbol: sig.Symbol, Side: side, Qty: qty, Kind: broker.Market,
		Stop: stop, Target: target, MaxHold: r.cfg.MaxHold, Submitted: bar.Time,
	}
	if _, err := r.vb.SubmitOrder(context.Background(), order); err != nil {
		var rej *broker.RejectionError
		if errors.As(err, &rej) {
			if r.metrics != nil {
				r.metrics.OrderRejects.WithLabelValues(r.cfg.Symbol).Inc()
			}
			r.log.Warn().Str("reason", rej.Reason).Msg("order rejected")
			return
		}
		r.log.Error().Err(err).Msg("submit failed")
		return
	}
	if r.metrics != nil {
		r.metrics.OrdersPlaced.WithLabelValues(r.cfg.Symbol).Inc()
	}
}

// ingest pumps bars from the feed into out, reconnecting on faults
// with bounded backoff behind a breaker. Returns nil only when retries
// are exhausted and the session is declared stale.
func (r *Runner) ingest(ctx context.Context, out chan<- market.Bar) error {
	for {
		bar, err := r.feed.Next(ctx)
		if err == nil {
			select {
			case out <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var cerr *ConnectivityError
		if !errors.As(err, &cerr) {
			r.log.Error().Err(err).Msg("feed decode error, skipping message")
			continue
		}
		r.session.bump(func(s *Stats) { s.Faults++ })
		if r.metrics != nil {
			r.metrics.FeedFaults.WithLabelValues(r.cfg.Symbol).Inc()
		}
		r.log.Warn().Err(err).Msg("feed fault")
		if !r.reconnect(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectivityError{Reason: "retries exhausted"}
		}
	}
}

// reconnect retries Redial with exponential backoff up to MaxRetries.
func (r *Runner) reconnect(ctx context.Context) bool {
	rd, ok := r.feed.(redialer)
	if !ok {
		return false
	}
	backoff := r.cfg.BaseBackoff
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, rd.Redial(ctx)
		})
		if err == nil {
			r.log.Info().Int("attempt", attempt).Msg("feed reconnected")
			return true
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	return false
}

// halt flags the symbol stale so downstream accounting stops trusting
// its marks, and blocks new entries.
func (r *Runner) halt() {
	r.vb.MarkStale()
	r.session.bump(func(s *Stats) { s.Stale = true })
	if r.metrics != nil {
		r.metrics.FeedStale.WithLabelValues(r.cfg.Symbol).Set(1)
	}
	r.log.Error().Msg("feed stale, trading halted")
}
