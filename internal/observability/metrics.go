package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of download jobs enqueued",
		},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed by error category",
		},
		[]string{"category"},
	)
	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "download_duration_seconds",
			Help:    "End-to-end duration of a download job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	DownloadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "download_artifact_bytes",
			Help:    "Size distribution of stored artifacts",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
	)

	RateLimitRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_refusals_total",
			Help: "Requests refused by the rate-limit manager",
		},
		[]string{"limit"},
	)

	ReaperSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reaper_sweep_duration_seconds",
			Help:    "Duration of one full reaper cycle",
			Buckets: []float64{0.05, 0.25, 1, 5, 30, 120},
		},
	)
	ReaperJobsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reaper_jobs_removed_total",
			Help: "Expired job records removed by the reaper",
		},
	)
	ReaperFilesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reaper_files_removed_total",
			Help: "Expired files removed by the reaper",
		},
	)
	ReaperErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reaper_errors_total",
			Help: "Per-item errors tolerated during reaper sweeps",
		},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Active WebSocket connections",
		},
	)
	WSSubscribersDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_subscribers_dropped_total",
			Help: "Subscribers disconnected because their outbound buffer overflowed",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(DownloadDuration)
	prometheus.MustRegister(DownloadBytes)
	prometheus.MustRegister(RateLimitRefusalsTotal)
	prometheus.MustRegister(ReaperSweepDuration)
	prometheus.MustRegister(ReaperJobsRemovedTotal)
	prometheus.MustRegister(ReaperFilesRemovedTotal)
	prometheus.MustRegister(ReaperErrorsTotal)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(WSSubscribersDroppedTotal)
}

// HTTPMetricsMiddleware records request counts and latencies labeled by chi
// route pattern.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
