package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReportDuration measures how long building one report takes.
	// Labels: report (transitions, treemap, flow, survival, ...)
	ReportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "segment",
		Name:      "report_duration_seconds",
		Help:      "Time spent building a report",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"report"})

	// SourceFetches counts data source fetch attempts.
	// Labels: source (csv, postgres), outcome (ok, error, cache_hit)
	SourceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment",
		Name:      "source_fetch_total",
		Help:      "Data source fetch attempts by outcome",
	}, []string{"source", "outcome"})

	// UnknownCategories counts records whose category is outside the
	// admissible set.
	// Labels: dimension
	UnknownCategories = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment",
		Name:      "unknown_category_total",
		Help:      "Records excluded because their category is not admissible",
	}, []string{"dimension"})

	// InvariantViolations counts failed output checks.
	// Labels: check (hierarchy, sentinel_side)
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment",
		Name:      "invariant_violations_total",
		Help:      "Reports rejected because an output invariant did not hold",
	}, []string{"check"})
)

var (
	// HTTPRequests counts served requests.
	// Labels: route, method, status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code",
	}, []string{"route", "method", "status"})

	// HTTPDuration measures request latency, including SSE streams.
	// Labels: route
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "segment",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
