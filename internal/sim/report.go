package sim

import (
	"math"
	"time"

	"quantpipe/internal/broker"
)

// EquityPoint is one mark-time equity observation.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Report holds performance metrics derived from the ledger. The ledger
// is the only input: a report is a view, never separately mutated
// state.
type Report struct {
	InitialCash  float64
	FinalEquity  float64
	Sharpe       float64 // annualized over the equity marks
	MaxDrawdown  float64 // worst peak-to-trough fraction, reported negative
	HitRate      float64 // profitable round trips over all round trips
	Trades       int     // completed round trips
	Rejections   int
	FeesPaid     float64
	EquityCurve  []EquityPoint
	PeriodsPerYr float64
}

// BuildReport replays the ledger to reconstruct cash, positions, and
// the mark-time equity curve, then derives the metrics. periodsPerYear
// scales the Sharpe ratio (252 for daily bars).
func BuildReport(entries []broker.LedgerEntry, initialCash, periodsPerYear float64) Report {
	rep := Report{InitialCash: initialCash, PeriodsPerYr: periodsPerYear}

	cash := initialCash
	type posState struct {
		qty      float64
		avgEntry float64
	}
	positions := map[string]*posState{}
	wins := 0

	for _, e := range entries {
		switch e.Type {
		case broker.EntryFill:
			cash += e.CashDelta
			p, ok := positions[e.Symbol]
			if !ok {
				p = &posState{}
				positions[e.Symbol] = p
			}
			closing := p.qty != 0 && (p.qty > 0) != (e.Size > 0)
			if closing {
				rep.Trades++
				pnl := -e.Size * (e.Price - p.avgEntry) // closing size has opposite sign of the position
				if pnl > 0 {
					wins++
				}
			} else if p.qty == 0 {
				p.avgEntry = e.Price
			} else {
				p.avgEntry = (p.avgEntry*p.qty + e.Price*e.Size) / (p.qty + e.Size)
			}
			p.qty += e.Size
			if p.qty == 0 {
				delete(positions, e.Symbol)
			}
		case broker.EntryFee:
			cash += e.CashDelta
			rep.FeesPaid += -e.CashDelta
		case broker.EntryReject:
			rep.Rejections++
		case broker.EntryMark:
			equity := cash
			for _, p := range positions {
				// Single-symbol marks: the entry's price marks its symbol.
				if p.qty != 0 {
					equity += p.qty * e.Price
				}
			}
			rep.EquityCurve = append(rep.EquityCurve, EquityPoint{Time: e.Time, Equity: equity})
		}
	}

	if rep.Trades > 0 {
		rep.HitRate = float64(wins) / float64(rep.Trades)
	}
	if n := len(rep.EquityCurve); n > 0 {
		rep.FinalEquity = rep.EquityCurve[n-1].Equity
	} else {
		rep.FinalEquity = cash
	}
	rep.Sharpe = sharpe(rep.EquityCurve, periodsPerYear)
	rep.MaxDrawdown = maxDrawdown(rep.EquityCurve)
	return rep
}

func sharpe(curve []EquityPoint, periodsPerYear float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		rets = append(rets, curve[i].Equity/prev-1)
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var sq float64
	for _, r := range rets {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(rets)))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (p.Equity - peak) / peak
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}
