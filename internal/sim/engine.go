// Package sim replays a strategy through the virtual broker over
// historical bars, deterministically: identical bars, configuration,
// and seeds produce a byte-identical ledger.
package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"quantpipe/internal/broker"
	"quantpipe/internal/features"
	"quantpipe/internal/market"
	"quantpipe/internal/models"
	"quantpipe/internal/risk"
	"quantpipe/internal/strategy"
)

// ExitConfig sets the exit geometry attached to every entry order,
// matching the barrier geometry the events were labeled with.
type ExitConfig struct {
	PtMultiple float64
	SlMultiple float64
	MaxHold    int
}

// Engine drives one symbol through the bar sequence.
type Engine struct {
	vb    *broker.Virtual
	rm    *risk.Manager
	scfg  strategy.Config
	exits ExitConfig
	log   zerolog.Logger
}

// NewEngine wires a backtest engine.
func NewEngine(vb *broker.Virtual, rm *risk.Manager, scfg strategy.Config, exits ExitConfig, log zerolog.Logger) *Engine {
	return &Engine{vb: vb, rm: rm, scfg: scfg, exits: exits, log: log.With().Str("component", "sim").Logger()}
}

// Run replays the series. Per bar the sequence is fixed: pending fills
// and barrier exits against the bar, mark open positions to the close,
// then strategy evaluation whose orders rest until the next bar's open.
func (e *Engine) Run(ctx context.Context, s market.Series, m features.Matrix, primary, meta models.Predictor) error {
	if err := e.scfg.Validate(); err != nil {
		return err
	}
	rowByBar := make(map[int]int, len(m.Index))
	for r, idx := range m.Index {
		rowByBar[idx] = r
	}

	for i, b := range s.Bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.vb.OpenBar(b, s.Symbol)
		e.vb.Mark(b, s.Symbol)

		r, ok := rowByBar[i]
		if !ok {
			continue // warmup bar, no features yet
		}

		equity := e.vb.Equity(map[string]float64{s.Symbol: b.Close})
		cash, err := e.vb.Balance(ctx)
		if err != nil {
			return err
		}
		pos, _, err := e.vb.Position(ctx, s.Symbol)
		if err != nil {
			return err
		}

		sig := strategy.Evaluate(s.Symbol, b.Time, m.Rows[r],
			strategy.View{Cash: cash, Equity: equity, PositionQty: pos.Qty},
			primary, meta, e.scfg)
		sig = e.rm.Approve(sig, equity)
		if sig == nil {
			continue
		}
		if err := e.submit(ctx, sig, b, m.Vol[i], equity); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, sig *strategy.Signal, b market.Bar, sigma, equity float64) error {
	qty := equity * sig.SizeFraction / b.Close
	side := broker.Buy
	if sig.Direction < 0 {
		side = broker.Sell
	}

	// A zero multiple disables that barrier rather than pinning it at
	// the entry price.
	var stop, target float64
	if sigma > 0 {
		if e.exits.PtMultiple > 0 {
			target = b.Close * (1 + float64(sig.Direction)*e.exits.PtMultiple*sigma)
		}
		if e.exits.SlMultiple > 0 {
			stop = b.Close * (1 - float64(sig.Direction)*e.exits.SlMultiple*sigma)
		}
	}

	_, err := e.vb.SubmitOrder(ctx, broker.Order{
		Symbol:    sig.Symbol,
		Side:      side,
		Qty:       qty,
		Kind:      broker.Market,
		Stop:      stop,
		Target:    target,
		MaxHold:   e.exits.MaxHold,
		Submitted: sig.Time,
	})
	var rej *broker.RejectionError
	if errors.As(err, &rej) {
		// Recorded in the ledger; the strategy gets another look next bar.
		e.log.Debug().Str("order", rej.OrderID).Str("reason", rej.Reason).Msg("order rejected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit order: %w", err)
	}
	return nil
}
