// Package metrics provides Prometheus instrumentation for the sync,
// market-data, keeper, and dissemination loops.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncedSlot tracks the last cursor slot persisted per stream.
	SyncedSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncd_synced_slot",
		Help: "Last processed ledger slot per sync stream",
	}, []string{"stream"})

	// SyncRowsTotal counts projected rows upserted, by stream and kind.
	SyncRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_sync_rows_total",
		Help: "Rows upserted by the ledger sync engine",
	}, []string{"stream", "kind"})

	// SyncFailuresTotal counts aborted sync ticks per stream.
	SyncFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_sync_failures_total",
		Help: "Sync ticks aborted by ledger RPC or storage errors",
	}, []string{"stream"})

	// DecodeSkipsTotal counts single-account decode failures (skipped).
	DecodeSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_decode_skips_total",
		Help: "Ledger accounts skipped because their bytes did not decode",
	}, []string{"stream", "kind"})

	// PriceTicksTotal counts accepted and discarded oracle ticks.
	PriceTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_price_ticks_total",
		Help: "Oracle price ticks by outcome (accepted|discarded)",
	}, []string{"symbol", "outcome"})

	// OracleConnected is 1 while the oracle stream is in the streaming state.
	OracleConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_oracle_connected",
		Help: "Whether the oracle price stream is currently connected",
	})

	// OrderbookRefreshTotal counts depth refreshes per exchange by outcome.
	OrderbookRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_orderbook_refresh_total",
		Help: "Orderbook refresh attempts by exchange and outcome",
	}, []string{"exchange", "outcome"})

	// KeeperAttemptsTotal counts keeper submissions by outcome
	// (confirmed|recoverable|terminal).
	KeeperAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_keeper_attempts_total",
		Help: "Keeper submission attempts by outcome",
	}, []string{"outcome"})

	// KeeperEligibleOrders tracks orders selected in the last keeper tick.
	KeeperEligibleOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_keeper_eligible_orders",
		Help: "Orders whose trigger condition was satisfied in the last tick",
	})

	// HubClients tracks connected hub subscribers.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_hub_clients",
		Help: "Number of connected dissemination hub subscribers",
	})

	// HubDroppedTotal counts envelopes dropped on slow subscribers.
	HubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncd_hub_dropped_envelopes_total",
		Help: "Envelopes dropped because a subscriber buffer was full",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
