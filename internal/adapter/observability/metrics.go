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

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs accepted via submit, retry, or replay",
		},
	)
	JobsLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_leased_total",
			Help: "Total number of lease grants to workers",
		},
	)
	JobsThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_throttled_total",
			Help: "Total number of lease attempts deferred by the concurrency cap",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs finished as DONE",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of recorded job failures",
		},
	)
	JobsDLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Jobs currently held under a worker lease by this process",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconciler_sweep_duration_seconds",
			Help:    "Duration of one reconciler sweep",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	SweepRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_recovered_total",
			Help: "Jobs acted on by the reconciler, by sweep category",
		},
		[]string{"category"},
	)

	PipelineRowsProcessed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_rows_processed",
			Help:    "Distribution of row counts per pipeline run",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)
	CleanupDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_deleted_total",
			Help: "Rows removed by retention cleanup, by table",
		},
		[]string{"table"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsLeasedTotal)
	prometheus.MustRegister(JobsThrottledTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepRecoveredTotal)
	prometheus.MustRegister(PipelineRowsProcessed)
	prometheus.MustRegister(CleanupDeletedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside a chi router.
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
