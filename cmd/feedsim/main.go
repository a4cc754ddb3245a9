// feedsim replays a historical CSV over websocket in the wire format
// the live runner consumes. It exists so a paper session can be
// rehearsed end to end without a market data subscription.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"quantpipe/internal/market"
	"quantpipe/internal/observ"
)

type wireBar struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func main() {
	var (
		addr     = flag.String("addr", ":8765", "listen address")
		barsPath = flag.String("bars", "data/bars.csv", "CSV file to replay")
		symbol   = flag.String("symbol", "BTCUSD", "symbol served to subscribers")
		interval = flag.Duration("interval", time.Second, "pacing between bars")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log := observ.NewLogger(*level, true)
	series, err := market.LoadCSV(*barsPath, *symbol)
	if err != nil {
		log.Fatal().Err(err).Str("path", *barsPath).Msg("load bars")
	}
	if err := series.Validate(0); err != nil {
		log.Fatal().Err(err).Msg("bad series")
	}
	log.Info().Int("bars", len(series.Bars)).Str("addr", *addr).Msg("feedsim ready")

	upgrader := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	http.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		defer conn.Close()

		// wait for the subscribe frame before streaming
		var sub struct {
			Op     string `json:"op"`
			Symbol string `json:"symbol"`
		}
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if err := conn.ReadJSON(&sub); err != nil || sub.Op != "subscribe" {
			log.Warn().Err(err).Msg("no subscribe frame")
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Str("symbol", sub.Symbol).Msg("client subscribed")

		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for _, b := range series.Bars {
			<-ticker.C
			msg, _ := json.Marshal(wireBar{
				Symbol: *symbol, Time: b.Time.Unix(),
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Info().Err(err).Msg("client gone")
				return
			}
		}
		log.Info().Msg("replay complete, closing")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay complete"))
	})

	srv := &http.Server{Addr: *addr, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
