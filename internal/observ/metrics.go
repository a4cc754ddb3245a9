package observ

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the pipeline's counters and gauges. A single instance is
// created at startup and threaded to the components that report.
type Metrics struct {
	BarsIngested  *prometheus.CounterVec
	FeedFaults    *prometheus.CounterVec
	OrdersPlaced  *prometheus.CounterVec
	OrdersFilled  *prometheus.CounterVec
	OrderRejects  *prometheus.CounterVec
	Equity        *prometheus.GaugeVec
	FeedStale     *prometheus.GaugeVec
	FoldsTrained  prometheus.Counter
	LeakageChecks prometheus.Counter
}

// NewMetrics registers the metric set on reg; pass
// prometheus.DefaultRegisterer in main, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BarsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantpipe_bars_ingested_total", Help: "Bars consumed from a feed or file.",
		}, []string{"symbol"}),
		FeedFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantpipe_feed_faults_total", Help: "Connectivity faults, including bar gaps.",
		}, []string{"symbol"}),
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantpipe_orders_placed_total", Help: "Orders submitted to the broker.",
		}, []string{"symbol"}),
		OrdersFilled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantpipe_orders_filled_total", Help: "Order fills, entries and exits.",
		}, []string{"symbol"}),
		OrderRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quantpipe_order_rejects_total", Help: "Orders rejected by the broker.",
		}, []string{"symbol"}),
		Equity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantpipe_equity", Help: "Marked account equity.",
		}, []string{"account"}),
		FeedStale: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantpipe_feed_stale", Help: "1 when a symbol's feed is declared stale.",
		}, []string{"symbol"}),
		FoldsTrained: f.NewCounter(prometheus.CounterOpts{
			Name: "quantpipe_folds_trained_total", Help: "Cross-validation folds fitted.",
		}),
		LeakageChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "quantpipe_leakage_checks_total", Help: "Completed purge and embargo verifications.",
		}),
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
		return ctx.Err()
	case err := <-errs:
		return err
	}
}
