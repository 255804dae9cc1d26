package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Security metrics
	AuthDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authentication decisions by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	CSRFValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_validations_total",
			Help: "CSRF token redemptions by result",
		},
		[]string{"result"},
	)

	RateLimitChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_checks_total",
			Help: "Fixed window rate limit checks by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	SessionsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_cleaned_total",
			Help: "Sessions removed by the background sweep",
		},
	)

	// Settings metrics
	SettingsCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settings_cache_lookups_total",
			Help: "Settings reads by result (hit, miss, fallback, error)",
		},
		[]string{"result"},
	)

	// Job metrics
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs finished by name and terminal status",
		},
		[]string{"name", "status"},
	)

	JobsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Job attempts that failed and were rescheduled",
		},
		[]string{"name"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Processor run time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"name"},
	)
)
