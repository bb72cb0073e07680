// Package metrics exposes Prometheus collectors for the portfolio monitor.
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
	scanTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_scan_targets_total",
			Help: "Targets processed, labeled by outcome (scanned, skipped, failed).",
		},
		[]string{"outcome"},
	)

	scanChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_scan_changes_total",
			Help: "Detected changes, labeled by change type.",
		},
		[]string{"type"},
	)

	scanBatchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portfolio_scan_batch_duration_seconds",
			Help:    "Histogram of scan batch durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	creditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_credits_total",
			Help: "Metered provider credits consumed, labeled by service.",
		},
		[]string{"service"},
	)

	extractionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_extraction_attempts_total",
			Help: "Extraction strategy attempts, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	probeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_probe_total",
			Help: "Change detector decisions, labeled by reason.",
		},
		[]string{"result"},
	)

	usageLogFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_usage_log_failures_total",
			Help: "Usage records that could not be written.",
		},
	)

	notificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_notification_failures_total",
			Help: "Notification writes or publishes that failed, labeled by stage.",
		},
		[]string{"stage"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_fetches_total",
			Help: "Content fetches, labeled by site, provider and status.",
		},
		[]string{"site", "provider", "status"},
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

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveTarget records the outcome of a single target.
func ObserveTarget(outcome string) {
	scanTargetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveChanges adds detected changes of the given type.
func ObserveChanges(changeType string, n int) {
	if n > 0 {
		scanChangesTotal.WithLabelValues(changeType).Add(float64(n))
	}
}

// ObserveBatch records a batch duration.
func ObserveBatch(duration time.Duration) {
	scanBatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveCredits adds consumed credits for a service.
func ObserveCredits(service string, credits int) {
	if credits > 0 {
		creditsTotal.WithLabelValues(service).Add(float64(credits))
	}
}

// ObserveExtraction records one extraction attempt.
func ObserveExtraction(provider, outcome string) {
	extractionAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveProbe records a change detector decision.
func ObserveProbe(result string) {
	probeTotal.WithLabelValues(result).Inc()
}

// ObserveUsageLogFailure counts a swallowed usage write failure.
func ObserveUsageLogFailure() {
	usageLogFailuresTotal.Inc()
}

// ObserveNotificationFailure counts a swallowed notification failure.
func ObserveNotificationFailure(stage string) {
	notificationFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveFetch records a content fetch.
func ObserveFetch(site, provider, status string) {
	fetchesTotal.WithLabelValues(SanitizeSite(site), provider, status).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
