// Package metrics holds the Prometheus collectors for feedsync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch pipeline metrics
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_fetches_total",
			Help: "Total number of feed fetch attempts by outcome",
		},
		[]string{"result"},
	)

	FetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_fetch_errors_total",
			Help: "Total number of failed feed fetches by error kind",
		},
		[]string{"kind"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedsync_fetch_duration_seconds",
			Help:    "Feed fetch duration in seconds, including persistence",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedsync_fetches_in_flight",
			Help: "Number of feed fetches currently running",
		},
	)

	FeedsSkippedInFlight = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_feeds_skipped_in_flight_total",
			Help: "Due feeds skipped because a previous fetch was still running",
		},
	)

	ArticlesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_articles_ingested_total",
			Help: "Total number of new articles stored",
		},
	)

	IntervalMinutes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedsync_fetch_interval_minutes",
			Help:    "Computed polling interval after successful fetches",
			Buckets: []float64{60, 120, 240, 480, 720, 1440, 2880, 4320, 10080},
		},
	)

	// Enrichment metrics
	EnrichmentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_enrichment_total",
			Help: "Total number of enrichment jobs by outcome",
		},
		[]string{"result"},
	)

	EnrichmentDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_enrichment_dropped_total",
			Help: "Enrichment jobs dropped because the queue was full",
		},
	)

	// Import metrics
	ImportJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_import_jobs_total",
			Help: "Total number of bulk import jobs by status",
		},
		[]string{"status"},
	)

	ImportFeedsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_import_feeds_total",
			Help: "Total number of imported feed entries by outcome",
		},
		[]string{"outcome"},
	)

	// NATS metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_events_published_total",
			Help: "Total number of article events published",
		},
		[]string{"status"},
	)

	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
