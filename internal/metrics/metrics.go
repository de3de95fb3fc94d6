// Package metrics exposes Prometheus collectors for the cache service.
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

var (
	fetchBytesTotal            *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	tasksActive                *prometheus.GaugeVec
	prunedHoursTotal           *prometheus.CounterVec
	tierBytes                  *prometheus.GaugeVec
	tierEntries                *prometheus.GaugeVec
	evictionsTotal             *prometheus.CounterVec
	poolInUse                  *prometheus.GaugeVec
	poolBusyTotal              *prometheus.CounterVec
	rendersTotal               *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_fetch_bytes_total",
				Help: "Total bytes downloaded from upstream, labeled by source and mirror.",
			},
			[]string{"source", "mirror"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_fetch_attempts_total",
				Help: "Total sub-resource fetch attempts, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_ingest_tasks_total",
				Help: "Total ingestion tasks reaching a terminal state, labeled by source and state.",
			},
			[]string{"source", "state"},
		)

		tasksActive = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nwpcache_ingest_tasks_active",
				Help: "Ingestion tasks currently in flight, labeled by source.",
			},
			[]string{"source"},
		)

		prunedHoursTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_pruned_hours_total",
				Help: "Forecast hours pruned without a fetch after a not-yet-published probe.",
			},
			[]string{"source"},
		)

		tierBytes = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nwpcache_tier_bytes",
				Help: "Bytes accounted against a tier budget.",
			},
			[]string{"tier"},
		)

		tierEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nwpcache_tier_entries",
				Help: "Entries resident in a tier.",
			},
			[]string{"tier"},
		)

		evictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_evictions_total",
				Help: "Cache evictions, labeled by tier and reason.",
			},
			[]string{"tier", "reason"},
		)

		poolInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nwpcache_pool_in_use",
				Help: "Tokens currently held per admission pool.",
			},
			[]string{"pool"},
		)

		poolBusyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_pool_busy_total",
				Help: "Acquire timeouts per admission pool.",
			},
			[]string{"pool"},
		)

		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nwpcache_renders_total",
				Help: "Render requests, labeled by product and status.",
			},
			[]string{"product", "status"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nwpcache_render_duration_seconds",
				Help:    "Histogram of render latencies, labeled by product.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"product"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one sub-resource fetch attempt.
func ObserveFetch(source, mirror, outcome string, bytes int64) {
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(source, mirror).Add(float64(bytes))
	}
}

// ObserveTaskTerminal increments the terminal-state counter for a task.
func ObserveTaskTerminal(source, state string) {
	tasksTotal.WithLabelValues(source, state).Inc()
}

// SetTasksActive records the in-flight task count for a source.
func SetTasksActive(source string, n int) {
	tasksActive.WithLabelValues(source).Set(float64(n))
}

// ObservePruned counts forecast hours skipped by fail-fast pruning.
func ObservePruned(source string, count int) {
	if count > 0 {
		prunedHoursTotal.WithLabelValues(source).Add(float64(count))
	}
}

// SetTierUsage records a tier's budget accounting.
func SetTierUsage(tier string, bytes int64, entries int) {
	tierBytes.WithLabelValues(tier).Set(float64(bytes))
	tierEntries.WithLabelValues(tier).Set(float64(entries))
}

// ObserveEviction counts one eviction.
func ObserveEviction(tier, reason string) {
	evictionsTotal.WithLabelValues(tier, reason).Inc()
}

// PoolAcquired increments the in-use gauge for a pool.
func PoolAcquired(pool string) {
	poolInUse.WithLabelValues(pool).Inc()
}

// PoolReleased decrements the in-use gauge for a pool.
func PoolReleased(pool string) {
	poolInUse.WithLabelValues(pool).Dec()
}

// PoolBusy counts one acquire timeout for a pool.
func PoolBusy(pool string) {
	poolBusyTotal.WithLabelValues(pool).Inc()
}

// ObserveRender records one render outcome with its latency.
func ObserveRender(product, status string, duration time.Duration) {
	rendersTotal.WithLabelValues(product, status).Inc()
	renderDurationSeconds.WithLabelValues(product).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
