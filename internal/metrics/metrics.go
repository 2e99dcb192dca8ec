// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts ledger operations by kind and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_operations_total",
		Help: "Total number of ledger operations",
	}, []string{"op", "result"})

	// OperationLatency tracks end-to-end operation latency, including
	// valuation and asset transfers.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// FeePool mirrors the accumulated fee pool in reference base units.
	FeePool = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_fee_pool",
		Help: "Accumulated protocol fees in reference base units",
	})

	// Liquidations counts executed liquidations by mode.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_liquidations_total",
		Help: "Executed liquidations",
	}, []string{"mode"})

	// MintedShortfall counts custody top-ups of synthetic tokens.
	MintedShortfall = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_minted_shortfall_total",
		Help: "Number of synthetic mints to cover custody shortfall",
	}, []string{"token"})

	// OracleErrors counts failed price lookups.
	OracleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_oracle_errors_total",
		Help: "Failed oracle price lookups",
	}, []string{"token"})

	// OracleBreakerState is 0 closed, 1 half-open, 2 open.
	OracleBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lending_oracle_breaker_state",
		Help: "Oracle circuit breaker state",
	}, []string{"name"})

	// StoreErrors counts persistence failures after commit.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_store_errors_total",
		Help: "Store write failures after a committed operation",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the outcome and latency of one operation.
func ObserveOperation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Route pattern keeps user ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
