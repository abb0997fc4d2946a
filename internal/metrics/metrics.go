// Package metrics exposes Prometheus collectors for the indexer pipeline.
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
	queueTransitionsTotal        *prometheus.CounterVec
	fetchTotal                   *prometheus.CounterVec
	fetchBytesTotal              *prometheus.CounterVec
	fetchDurationSeconds         *prometheus.HistogramVec
	extractTotal                 *prometheus.CounterVec
	clusterTotal                 *prometheus.CounterVec
	reconciledTotal              prometheus.Counter
	settingsRefreshFailuresTotal prometheus.Counter
	embeddingRequestsTotal       *prometheus.CounterVec
	busMessagesTotal             *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	rateLimitDelaySeconds        *prometheus.HistogramVec
	activeWorkers                *prometheus.GaugeVec
	robotsFallbackTotal          *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_queue_transitions_total",
				Help: "Work queue state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_fetch_total",
				Help: "Fetch attempts, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsindex_fetch_duration_seconds",
				Help:    "Fetch latency, labeled by status.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"status"},
		)

		extractTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_extract_total",
				Help: "Extraction results, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		clusterTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_cluster_total",
				Help: "Clustering decisions, labeled by outcome and match kind.",
			},
			[]string{"outcome", "match"},
		)

		reconciledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsindex_reconciled_total",
				Help: "Orphan articles assigned to a cluster by the reconciler.",
			},
		)

		settingsRefreshFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsindex_settings_refresh_failures_total",
				Help: "Failed clustering settings reloads served from cache.",
			},
		)

		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_embedding_requests_total",
				Help: "Embedding lookups, labeled by result.",
			},
			[]string{"result"},
		)

		busMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_bus_messages_total",
				Help: "Bus deliveries handled, labeled by topic and result.",
			},
			[]string{"topic", "result"},
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

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsindex_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "newsindex_active_workers",
				Help: "Workers currently processing an item, labeled by stage.",
			},
			[]string{"stage"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsindex_robots_fallback_total",
				Help: "robots.txt fetches that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

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

// ObserveQueueTransition counts a queue item moving to state.
func ObserveQueueTransition(state string, n int) {
	Init()
	if n > 0 {
		queueTransitionsTotal.WithLabelValues(state).Add(float64(n))
	}
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL string, status string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveExtract records an extraction outcome.
func ObserveExtract(outcome string) {
	Init()
	extractTotal.WithLabelValues(outcome).Inc()
}

// ObserveCluster records a clustering decision.
func ObserveCluster(outcome, match string) {
	Init()
	clusterTotal.WithLabelValues(outcome, match).Inc()
}

// ObserveReconciled counts orphans assigned by the reconciler.
func ObserveReconciled(n int) {
	Init()
	if n > 0 {
		reconciledTotal.Add(float64(n))
	}
}

// ObserveSettingsRefreshFailure counts a settings reload that fell back to cached values.
func ObserveSettingsRefreshFailure() {
	Init()
	settingsRefreshFailuresTotal.Inc()
}

// ObserveEmbedding records an embedding lookup result (hit, miss, error, disabled).
func ObserveEmbedding(result string) {
	Init()
	embeddingRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveBusMessage records a handled bus delivery.
func ObserveBusMessage(topic, result string) {
	Init()
	busMessagesTotal.WithLabelValues(topic, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge for stage.
func IncActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge for stage.
func DecActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Dec()
}

// ObserveRobotsFallback counts a robots.txt fetch treated as allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}
