// Package metrics exposes Prometheus collectors for the news pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_feed_items_total",
			Help: "Feed entries seen by the poller, labeled by outcome (admitted, seen, skipped).",
		},
		[]string{"outcome"},
	)

	feedPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_feed_polls_total",
			Help: "Feed polls, labeled by status.",
		},
		[]string{"status"},
	)

	pageFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_page_fetches_total",
			Help: "Article page fetches, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	pageBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_page_bytes_total",
			Help: "Article page bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	extractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_extractions_total",
			Help: "Extraction attempts, labeled by outcome and winning strategy.",
		},
		[]string{"outcome", "strategy"},
	)

	enrichmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_enrichments_total",
			Help: "Enrichment attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	schemaRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_schema_repairs_total",
			Help: "Model output fields replaced or trimmed during validation, labeled by field.",
		},
		[]string{"field"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_tasks_total",
			Help: "Orchestrated task executions, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	fanoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newspipe_fanout_publishes_total",
			Help: "Realtime notifications, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "newspipe_active_workers",
			Help: "Number of workers currently processing a task.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newspipe_rate_limit_delays_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
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
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFeedItem counts one feed entry by outcome.
func ObserveFeedItem(outcome string) {
	feedItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFeedPoll counts one source poll.
func ObserveFeedPoll(status string) {
	feedPollsTotal.WithLabelValues(status).Inc()
}

// ObservePageFetch counts an article page fetch and its size.
func ObservePageFetch(rawURL string, status string, bytesFetched int) {
	site := SanitizeSite(rawURL)
	pageFetchesTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		pageBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveExtraction counts an extraction outcome.
func ObserveExtraction(outcome, strategy string) {
	if strategy == "" {
		strategy = "none"
	}
	extractionsTotal.WithLabelValues(outcome, strategy).Inc()
}

// ObserveEnrichment counts an enrichment outcome.
func ObserveEnrichment(outcome string) {
	enrichmentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSchemaRepair counts a repaired model field.
func ObserveSchemaRepair(field string) {
	schemaRepairsTotal.WithLabelValues(field).Inc()
}

// ObserveTask counts a task execution.
func ObserveTask(kind, outcome string) {
	tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveFanout counts a realtime notification.
func ObserveFanout(outcome string) {
	fanoutTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
