// Package metrics exposes Prometheus collectors for the harvester.
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

// Page results recorded by ObservePage.
const (
	PageResultOK      = "ok"
	PageResultFailed  = "failed"
	PageResultTimeout = "timeout"
)

var (
	harvesterPagesTotal             *prometheus.CounterVec
	harvesterPageDurationSeconds    *prometheus.HistogramVec
	harvesterSessionRelaunchesTotal *prometheus.CounterVec
	harvesterThreadsTotal           *prometheus.CounterVec
	harvesterPostsTotal             *prometheus.CounterVec
	harvesterCasesTotal             *prometheus.CounterVec
	harvesterExtractionConfidence   prometheus.Histogram
	harvesterStoreRetriesTotal      *prometheus.CounterVec
	harvesterRunsTotal              *prometheus.CounterVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Thread pages fetched, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		harvesterPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_page_duration_seconds",
				Help:    "Wall-clock time spent navigating and parsing a page.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"source"},
		)

		harvesterSessionRelaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_relaunches_total",
				Help: "Browser sessions torn down and relaunched after dying.",
			},
			[]string{"source"},
		)

		harvesterThreadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_threads_total",
				Help: "Threads processed, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		harvesterPostsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_posts_total",
				Help: "Posts seen by ingestion, labeled by source and classification.",
			},
			[]string{"source", "classification"},
		)

		harvesterCasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cases_extracted_total",
				Help: "Accepted case extractions written, labeled by source.",
			},
			[]string{"source"},
		)

		harvesterExtractionConfidence = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_extraction_confidence",
				Help:    "Distribution of extraction confidence scores.",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		)

		harvesterStoreRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_store_retries_total",
				Help: "Persistence operations retried after a transient failure.",
			},
			[]string{"op"},
		)

		harvesterRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Scrape runs finished, labeled by terminal status.",
			},
			[]string{"status"},
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

// ObservePage records one page attempt.
func ObservePage(source, result string, duration time.Duration) {
	Init()
	harvesterPagesTotal.WithLabelValues(source, result).Inc()
	harvesterPageDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveSessionRelaunch counts a session relaunch.
func ObserveSessionRelaunch(source string) {
	Init()
	harvesterSessionRelaunchesTotal.WithLabelValues(source).Inc()
}

// ObserveThread counts a finished thread ("completed", "aborted", "failed", "stopped").
func ObserveThread(source, status string) {
	Init()
	harvesterThreadsTotal.WithLabelValues(source, status).Inc()
}

// ObservePosts adds n posts with the given classification.
func ObservePosts(source, classification string, n int) {
	if n <= 0 {
		return
	}
	Init()
	harvesterPostsTotal.WithLabelValues(source, classification).Add(float64(n))
}

// ObserveCase records an accepted extraction.
func ObserveCase(source string, confidence float64) {
	Init()
	harvesterCasesTotal.WithLabelValues(source).Inc()
	harvesterExtractionConfidence.Observe(confidence)
}

// ObserveStoreRetry counts a retried persistence operation.
func ObserveStoreRetry(op string) {
	Init()
	harvesterStoreRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveRun counts a finished scrape run.
func ObserveRun(status string) {
	Init()
	harvesterRunsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
