// Package metrics exposes Prometheus collectors for the scraping engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeTargetsTotal    *prometheus.CounterVec
	scrapeDurationSeconds prometheus.Histogram
	fetchRequestsTotal    *prometheus.CounterVec
	fetchDelaySeconds     *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge
	pendingRetries        prometheus.Gauge
	cacheRecords          prometheus.Gauge

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeTargetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_targets_total",
				Help: "Total targets processed, labeled by phase and status.",
			},
			[]string{"phase", "status"},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_target_duration_seconds",
				Help:    "Histogram of per-target processing durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_requests_total",
				Help: "Total fetches, labeled by origin and outcome.",
			},
			[]string{"origin", "status"},
		)

		fetchDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_adaptive_delay_seconds",
				Help:    "Histogram of adaptive pre-request delays per origin.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_active_workers",
				Help: "Number of workers currently processing a target.",
			},
		)

		pendingRetries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_pending_retries",
				Help: "Number of targets waiting for a retry round.",
			},
		)

		cacheRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_creator_records",
				Help: "Number of creator records currently stored.",
			},
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
	})
}

// SanitizeOrigin extracts a lowercase hostname from a URL or origin string.
// It returns "unknown" if the input is invalid.
func SanitizeOrigin(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTarget counts one processed target for a phase.
func ObserveTarget(phase, status string, duration time.Duration) {
	scrapeTargetsTotal.WithLabelValues(phase, status).Inc()
	if duration > 0 {
		scrapeDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveFetch counts one fetch outcome for an origin.
func ObserveFetch(origin, status string) {
	fetchRequestsTotal.WithLabelValues(SanitizeOrigin(origin), status).Inc()
}

// ObserveFetchDelay records an adaptive pre-request delay.
func ObserveFetchDelay(origin string, delay time.Duration) {
	fetchDelaySeconds.WithLabelValues(SanitizeOrigin(origin)).Observe(delay.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetPendingRetries updates the pending-retry gauge.
func SetPendingRetries(n int) {
	pendingRetries.Set(float64(n))
}

// SetCacheRecords updates the stored-record gauge.
func SetCacheRecords(n int64) {
	cacheRecords.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
