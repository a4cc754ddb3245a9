package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"quantpipe/internal/market"
)

// VirtualConfig tunes the deterministic fill model.
type VirtualConfig struct {
	InitialCash float64
	FeeRate     float64 // per-fill fee as a fraction of notional
	Slippage    float64 // fractional price offset against the taker on market fills
}

// Virtual is the in-process broker used for backtests and paper
// trading. Fills are fully deterministic: market orders execute at the
// next processed bar's open shifted by slippage, stop/target exits at
// the barrier price when the bar range crosses it, ties resolved to the
// barrier nearer the bar's open (same policy as event labeling). All
// position and cash mutation happens here and is reflected in the
// append-only ledger.
type Virtual struct {
	mu        sync.Mutex
	cfg       VirtualConfig
	cash      float64
	positions map[string]*Position
	pending   []Order
	ledger    *Ledger
	orderSeq  int
	log       zerolog.Logger
}

// NewVirtual builds a virtual broker around a ledger.
func NewVirtual(cfg VirtualConfig, ledger *Ledger, log zerolog.Logger) *Virtual {
	return &Virtual{
		cfg:       cfg,
		cash:      cfg.InitialCash,
		positions: map[string]*Position{},
		ledger:    ledger,
		log:       log.With().Str("component", "virtual_broker").Logger(),
	}
}

// SubmitOrder queues a market order for the next processed bar. Order
// IDs are sequential, not random, to keep replays byte-reproducible.
func (v *Virtual) SubmitOrder(_ context.Context, o Order) (OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.orderSeq++
	o.ID = fmt.Sprintf("ord-%06d", v.orderSeq)
	if o.Qty <= 0 {
		v.ledger.Append(LedgerEntry{
			Time: o.Submitted, Type: EntryReject, Symbol: o.Symbol, OrderID: o.ID,
			Note: "non-positive quantity",
		})
		return OrderHandle(o.ID), &RejectionError{OrderID: o.ID, Reason: "non-positive quantity"}
	}
	v.pending = append(v.pending, o)
	return OrderHandle(o.ID), nil
}

// CancelOrder removes a still-pending order.
func (v *Virtual) CancelOrder(_ context.Context, h OrderHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, o := range v.pending {
		if o.ID == string(h) {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("order %s not pending", h)
}

// Balance returns available cash.
func (v *Virtual) Balance(context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cash, nil
}

// Position returns a copy of the open position for symbol, if any.
func (v *Virtual) Position(_ context.Context, symbol string) (Position, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions[symbol]
	if !ok {
		return Position{}, false, nil
	}
	return *p, true, nil
}

// Equity values cash plus open positions at the given mark price.
func (v *Virtual) Equity(marks map[string]float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	eq := v.cash
	for sym, p := range v.positions {
		mark, ok := marks[sym]
		if !ok {
			mark = p.AvgEntry
		}
		eq += p.Qty * mark
	}
	return eq
}

// MarkStale flags all open positions as stale, for live halts where
// pricing can no longer be trusted. Positions are left intact.
func (v *Virtual) MarkStale() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.positions {
		p.Stale = true
	}
}

// OpenBar processes one bar for a symbol: pending market fills at the
// open, then exit checks against the bar's range, in that fixed order.
func (v *Virtual) OpenBar(bar market.Bar, symbol string) []Fill {
	v.mu.Lock()
	defer v.mu.Unlock()

	var fills []Fill
	fills = append(fills, v.fillPending(bar, symbol)...)
	fills = append(fills, v.processExits(bar, symbol)...)
	return fills
}

// Mark records a mark-to-close ledger entry per open position and
// refreshes unrealized P&L.
func (v *Virtual) Mark(bar market.Bar, symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions[symbol]
	if !ok {
		return
	}
	p.Unrealized = p.Qty * (bar.Close - p.AvgEntry)
	v.ledger.Append(LedgerEntry{
		Time: bar.Time, Type: EntryMark, Symbol: symbol,
		Price: bar.Close, Size: p.Qty, Note: "mark_to_close",
	})
}

func (v *Virtual) fillPending(bar market.Bar, symbol string) []Fill {
	var fills []Fill
	var rest []Order
	for _, o := range v.pending {
		if o.Symbol != symbol {
			rest = append(rest, o)
			continue
		}
		price := bar.Open * (1 + float64(o.Side)*v.cfg.Slippage)
		notional := o.Qty * price
		fee := notional * v.cfg.FeeRate
		if o.Side == Buy && notional+fee > v.cash {
			v.ledger.Append(LedgerEntry{
				Time: bar.Time, Type: EntryReject, Symbol: symbol, OrderID: o.ID,
				Price: price, Size: o.Qty, Note: "insufficient cash",
			})
			v.log.Debug().Str("order", o.ID).Msg("order rejected: insufficient cash")
			continue
		}
		fills = append(fills, v.execute(o, price, fee, bar, "entry"))
	}
	v.pending = rest
	return fills
}

func (v *Virtual) execute(o Order, price, fee float64, bar market.Bar, reason string) Fill {
	dq := o.Qty * float64(o.Side)
	cashDelta := -dq * price
	v.cash += cashDelta

	p, ok := v.positions[o.Symbol]
	if !ok {
		p = &Position{Symbol: o.Symbol}
		v.positions[o.Symbol] = p
	}
	if p.Qty == 0 {
		p.AvgEntry = price
		p.Stop = o.Stop
		p.Target = o.Target
		p.MaxHold = o.MaxHold
		p.BarsHeld = 0
	} else if sameSign(p.Qty, dq) {
		total := p.AvgEntry*p.Qty + price*dq
		p.AvgEntry = total / (p.Qty + dq)
	}
	p.Qty += dq
	if p.Qty == 0 {
		delete(v.positions, o.Symbol)
	}

	v.ledger.Append(LedgerEntry{
		Time: bar.Time, Type: EntryFill, Symbol: o.Symbol, OrderID: o.ID,
		Price: price, Size: dq, CashDelta: cashDelta, Note: reason,
	})
	v.cash -= fee
	v.ledger.Append(LedgerEntry{
		Time: bar.Time, Type: EntryFee, Symbol: o.Symbol, OrderID: o.ID,
		Price: price, Size: dq, CashDelta: -fee,
	})
	return Fill{OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Qty: o.Qty, Price: price, Fee: fee, Time: bar.Time, Reason: reason}
}

// processExits closes positions whose stop, target, or time barrier is
// reached within the bar.
func (v *Virtual) processExits(bar market.Bar, symbol string) []Fill {
	p, ok := v.positions[symbol]
	if !ok {
		return nil
	}
	p.BarsHeld++

	long := p.Qty > 0
	var stopHit, targetHit bool
	if long {
		stopHit = p.Stop > 0 && bar.Low <= p.Stop
		targetHit = p.Target > 0 && bar.High >= p.Target
	} else {
		stopHit = p.Stop > 0 && bar.High >= p.Stop
		targetHit = p.Target > 0 && bar.Low <= p.Target
	}

	var price float64
	var reason string
	switch {
	case stopHit && targetHit:
		// Same-bar double cross: nearest barrier to the open wins,
		// matching the labeler's tie-break.
		if abs(bar.Open-p.Target) <= abs(bar.Open-p.Stop) {
			price, reason = p.Target, "target"
		} else {
			price, reason = p.Stop, "stop"
		}
	case targetHit:
		price, reason = p.Target, "target"
	case stopHit:
		price, reason = p.Stop, "stop"
	case p.MaxHold > 0 && p.BarsHeld >= p.MaxHold:
		price, reason = bar.Close, "timeout"
	default:
		return nil
	}

	v.orderSeq++
	exit := Order{
		ID:     fmt.Sprintf("ord-%06d", v.orderSeq),
		Symbol: symbol,
		Side:   exitSide(p.Qty),
		Qty:    abs(p.Qty),
	}
	fee := exit.Qty * price * v.cfg.FeeRate
	return []Fill{v.execute(exit, price, fee, bar, reason)}
}

func exitSide(qty float64) Side {
	if qty > 0 {
		return Sell
	}
	return Buy
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
