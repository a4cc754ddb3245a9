// Package live runs the strategy against a streaming feed instead of a
// historical replay, sharing the broker and accounting logic with the
// simulator. Ingestion and evaluation are separate tasks joined by a
// bounded channel so ordering and backpressure stay explicit.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"quantpipe/internal/market"
)

// Feed yields live bars for one symbol. Next blocks until a bar
// arrives, the stream fails, or ctx is done.
type Feed interface {
	Next(ctx context.Context) (market.Bar, error)
	Close() error
}

// ConnectivityError reports a live-feed fault: stream loss or a data
// gap wide enough that treating it as a quiet market would be wrong.
type ConnectivityError struct {
	Reason string
	Gap    time.Duration
}

func (e *ConnectivityError) Error() string {
	if e.Gap > 0 {
		return fmt.Sprintf("connectivity: %s (gap %s)", e.Reason, e.Gap)
	}
	return "connectivity: " + e.Reason
}

// wsBar is the wire format the websocket feed expects.
type wsBar struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"` // unix seconds
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// WSFeed streams bars from a websocket endpoint.
type WSFeed struct {
	url     string
	symbol  string
	conn    *websocket.Conn
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewWSFeed prepares a feed client; Dial establishes the connection.
// The limiter paces dial attempts so reconnect storms cannot hammer
// the upstream.
func NewWSFeed(url, symbol string, log zerolog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		symbol:  symbol,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		log:     log.With().Str("component", "ws_feed").Str("symbol", symbol).Logger(),
	}
}

// Dial connects and subscribes.
func (f *WSFeed) Dial(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return &ConnectivityError{Reason: fmt.Sprintf("dial %s: %v", f.url, err)}
	}
	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	if err := conn.WriteJSON(map[string]string{"op": "subscribe", "symbol": f.symbol}); err != nil {
		conn.Close()
		return &ConnectivityError{Reason: fmt.Sprintf("subscribe: %v", err)}
	}
	f.conn = conn
	f.log.Info().Str("url", f.url).Msg("feed connected")
	return nil
}

// Next reads one bar.
func (f *WSFeed) Next(ctx context.Context) (market.Bar, error) {
	if f.conn == nil {
		return market.Bar{}, &ConnectivityError{Reason: "not connected"}
	}
	deadline := time.Now().Add(60 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := f.conn.SetReadDeadline(deadline); err != nil {
		return market.Bar{}, &ConnectivityError{Reason: err.Error()}
	}
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return market.Bar{}, &ConnectivityError{Reason: fmt.Sprintf("read: %v", err)}
	}
	var wb wsBar
	if err := json.Unmarshal(data, &wb); err != nil {
		return market.Bar{}, fmt.Errorf("decode bar: %w", err)
	}
	return market.Bar{
		Time: time.Unix(wb.Time, 0).UTC(),
		Open: wb.Open, High: wb.High, Low: wb.Low, Close: wb.Close, Volume: wb.Volume,
	}, nil
}

// Close tears down the connection.
func (f *WSFeed) Close() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// Redial closes and reconnects, for the runner's retry loop.
func (f *WSFeed) Redial(ctx context.Context) error {
	_ = f.Close()
	return f.Dial(ctx)
}
