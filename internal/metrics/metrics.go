// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuoteRequestsTotal counts quote service attempts by endpoint and
	// outcome ("success", "retry", "failure").
	QuoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_quote_requests_total",
		Help: "Quote service request attempts",
	}, []string{"endpoint", "outcome"})

	// QuoteLatency tracks per-attempt quote service latency.
	QuoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_quote_latency_seconds",
		Help:    "Quote service request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	// CacheLookupsTotal counts price cache lookups by tier and result.
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_price_cache_lookups_total",
		Help: "Price cache lookups by tier (memory, durable) and result (hit, miss, expired)",
	}, []string{"tier", "result"})

	// CacheEvictionsTotal counts entries removed by the periodic cleanup.
	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_price_cache_evictions_total",
		Help: "Expired or corrupt price cache entries removed by cleanup",
	})

	// RateLimitedTotal counts lookups deferred by the per-endpoint limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_quote_rate_limited_total",
		Help: "Quote lookups deferred by the rate limiter",
	}, []string{"endpoint"})

	// StaleFallbacksTotal counts lookups answered from last-known-good data.
	StaleFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_quote_stale_fallbacks_total",
		Help: "Quote lookups served from stale cached data",
	}, []string{"endpoint"})

	// MigrationRecordsTotal counts records processed by the schema migrator
	// by outcome ("migrated", "failed", "unchanged").
	MigrationRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_migration_records_total",
		Help: "Investment records processed by the schema migrator",
	}, []string{"outcome"})

	// Investments tracks the number of stored investments.
	Investments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_investments",
		Help: "Number of investments in the portfolio",
	})

	// PurchasesTotal counts purchases recorded, partitioned by category.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_purchases_total",
		Help: "Total number of purchases recorded",
	}, []string{"category"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
