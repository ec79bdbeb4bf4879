// Package metrics provides Prometheus instrumentation for the margin engine.
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
	// OrdersExecuted counts executed orders processed by the position engine,
	// partitioned by path (force_open, close, net) and outcome (ok, error).
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_orders_executed_total",
		Help: "Executed orders applied to positions",
	}, []string{"path", "outcome"})

	// OrderLatency tracks how long one executed order holds the account lock.
	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "margin_order_apply_seconds",
		Help:    "Time to apply one executed order to positions",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// PositionChanges counts position mutations by kind (open, partial_close, close).
	PositionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_position_changes_total",
		Help: "Position opens and closes",
	}, []string{"kind"})

	// OpenPositions tracks the number of open positions in the registry.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_open_positions",
		Help: "Number of currently open positions",
	})

	// SagaTransitions counts applied saga transitions by event and new state.
	SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_liquidation_saga_transitions_total",
		Help: "Liquidation saga state transitions",
	}, []string{"event", "state"})

	// SagaNoops counts events ignored because the saga was not in the
	// expected prior state.
	SagaNoops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_liquidation_saga_noops_total",
		Help: "Liquidation events ignored as stale or duplicate",
	}, []string{"event"})

	// LiquidationsStarted counts liquidation locks acquired.
	LiquidationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_liquidations_started_total",
		Help: "Liquidations that acquired the account lock",
	})

	// LiquidationsEnded counts ended liquidations by outcome: finished, failed or rejected at start.
	LiquidationsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_liquidations_ended_total",
		Help: "Liquidations finished or failed",
	}, []string{"outcome"})

	// LiquidityRejections counts batches escalated for lack of liquidity.
	LiquidityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_liquidity_rejections_total",
		Help: "Liquidation batches escalated to special liquidation",
	})

	// PositionsLiquidated counts close attempts made by liquidation, by result.
	PositionsLiquidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_positions_liquidated_total",
		Help: "Positions closed by liquidation",
	}, []string{"result"})

	// BusRedeliveries counts messages redelivered after a handler error.
	BusRedeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_bus_redeliveries_total",
		Help: "Bus messages redelivered after a transient failure",
	}, []string{"message"})

	// BusPoisonMessages counts messages dropped after exhausting redeliveries
	// or failing permanently.
	BusPoisonMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_bus_poison_messages_total",
		Help: "Bus messages dropped as poison",
	}, []string{"message"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_http_request_duration_seconds",
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
