// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for lifecycle operations.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	vmOperationsTotal          *prometheus.CounterVec
	vmOperationDuration        *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		vmOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_vm_operations_total",
				Help: "Lifecycle requests handled, labeled by action and outcome.",
			},
			[]string{"action", "outcome"},
		)

		vmOperationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_vm_operation_duration_seconds",
				Help:    "Latency of compute API submissions, labeled by action.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"action"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_rate_limit_delay_seconds",
				Help:    "Time lifecycle calls spent waiting on the per-instance rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"action"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveOperation records one lifecycle request. Duration is ignored for
// requests that never reached the provider.
func ObserveOperation(action, outcome string, duration time.Duration) {
	Init()
	vmOperationsTotal.WithLabelValues(action, outcome).Inc()
	if outcome != OutcomeInvalid {
		vmOperationDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// ObserveRateLimitDelay records time spent waiting for a rate limit token.
func ObserveRateLimitDelay(action string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(action).Observe(duration.Seconds())
}
