// Package metrics exposes Prometheus collectors for the sync client and its
// control plane.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ajaxRequestsTotal          *prometheus.CounterVec
	ajaxRequestDurationSeconds *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	throttleDelaySeconds       *prometheus.HistogramVec

	once sync.Once
)

const maxActionLabel = 64

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ajaxRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_ajax_requests_total",
				Help: "Total admin-ajax requests, labeled by action and outcome.",
			},
			[]string{"action", "outcome"},
		)

		ajaxRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogsync_ajax_request_duration_seconds",
				Help:    "Histogram of admin-ajax round trip latencies, labeled by action.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"action"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogsync_ajax_throttle_delay_seconds",
				Help:    "Time requests spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// SanitizeAction normalizes an action name into a bounded label value.
// Anything outside [a-z0-9_-] becomes '_'; empty input yields "unknown".
func SanitizeAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return "unknown"
	}
	if len(action) > maxActionLabel {
		action = action[:maxActionLabel]
	}
	var b strings.Builder
	b.Grow(len(action))
	for _, r := range action {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAJAXRequest records one admin-ajax round trip.
func ObserveAJAXRequest(action, outcome string, duration time.Duration) {
	Init()
	label := SanitizeAction(action)
	ajaxRequestsTotal.WithLabelValues(label, outcome).Inc()
	ajaxRequestDurationSeconds.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveThrottle records how long a request waited for a rate limit token.
func ObserveThrottle(host string, delay time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}
