// Package broker defines the order/fill surface shared by the
// deterministic virtual broker and any live implementation, so strategy
// and replay code stay broker-agnostic.
package broker

import (
	"context"
	"fmt"
	"time"
)

// Side of an order.
type Side int

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Kind of an order.
type Kind int

const (
	// Market fills at the next bar's open plus slippage.
	Market Kind = iota
)

// Order is a submitted trade intent. Exit levels ride along with the
// entry: the broker owns stop/target/time-barrier handling so the
// strategy never tracks open orders.
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Qty       float64
	Kind      Kind
	Stop      float64 // exit if price crosses this against the position; 0 disables
	Target    float64 // exit if price crosses this in favor; 0 disables
	MaxHold   int     // close after this many bars; 0 disables
	Submitted time.Time
}

// OrderHandle identifies a submitted order.
type OrderHandle string

// Position is one open position. Mutated exclusively by the broker in
// response to fills; everything else reads copies.
type Position struct {
	Symbol     string
	Qty        float64 // signed
	AvgEntry   float64
	Stop       float64
	Target     float64
	MaxHold    int
	BarsHeld   int
	Unrealized float64
	Stale      bool // set when live pricing went stale; blocks nothing, flags everything
}

// Fill is one execution.
type Fill struct {
	OrderID string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64
	Fee     float64
	Time    time.Time
	Reason  string // "entry", "stop", "target", "timeout"
}

// Broker is the abstraction consumed by the simulator and live runner.
type Broker interface {
	SubmitOrder(ctx context.Context, o Order) (OrderHandle, error)
	CancelOrder(ctx context.Context, h OrderHandle) error
	Balance(ctx context.Context) (float64, error)
	Position(ctx context.Context, symbol string) (Position, bool, error)
}

// RejectionError reports a declined order. It is recorded in the ledger
// and is not fatal: the strategy re-evaluates on the next bar.
type RejectionError struct {
	OrderID string
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}
