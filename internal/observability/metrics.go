// Package observability holds the Prometheus metrics exported by the Aquifer service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aquifer"

// Metrics holds the counters, histograms and gauges for ingestion, admission control and jobs.
type Metrics struct {
	// Ingestion metrics.
	IngestRows          *prometheus.CounterVec   // labels: kind={reading,rainfall}, outcome={inserted,rejected}
	IngestRejections    *prometheus.CounterVec   // labels: kind, reason={structural,referential,type}
	IngestRuns          *prometheus.CounterVec   // labels: kind, result={completed,format_error,storage_error}
	IngestFlushDuration *prometheus.HistogramVec // labels: kind

	// Admission control metrics.
	AdmissionDecisions *prometheus.CounterVec // labels: decision={approved,denied}, mode={forecast,no_forecast,degraded}
	ForecastRequests   *prometheus.CounterVec // labels: outcome={success,empty,error}
	ForecastCache      *prometheus.CounterVec // labels: result={hit,miss}

	// Job orchestrator metrics.
	JobsTriggered   *prometheus.CounterVec   // labels: type
	JobsFinished    *prometheus.CounterVec   // labels: type, status={completed,failed}
	JobDuration     *prometheus.HistogramVec // labels: type
	JobQueueDepth   prometheus.Gauge
	JobsStaleFailed prometheus.Counter

	// HTTP metrics.
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration *prometheus.HistogramVec // labels: method, route
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.IngestRows,
		m.IngestRejections,
		m.IngestRuns,
		m.IngestFlushDuration,
		m.AdmissionDecisions,
		m.ForecastRequests,
		m.ForecastCache,
		m.JobsTriggered,
		m.JobsFinished,
		m.JobDuration,
		m.JobQueueDepth,
		m.JobsStaleFailed,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// NewMetricsForTesting creates unregistered metrics so tests can build as many as they like
// without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		IngestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "CSV rows processed by record kind and outcome.",
		}, []string{"kind", "outcome"}),
		IngestRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejections_total",
			Help:      "Rejected CSV rows by record kind and rejection class.",
		}, []string{"kind", "reason"}),
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by record kind and result.",
		}, []string{"kind", "result"}),
		IngestFlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_flush_duration_seconds",
			Help:      "Duration of one validate-and-insert batch flush.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"kind"}),
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Extraction admission decisions by outcome and baseline mode.",
		}, []string{"decision", "mode"}),
		ForecastRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_requests_total",
			Help:      "Forecast service lookups by outcome.",
		}, []string{"outcome"}),
		ForecastCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_cache_total",
			Help:      "Forecast cache lookups by result.",
		}, []string{"result"}),
		JobsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_triggered_total",
			Help:      "Pipeline jobs accepted by type.",
		}, []string{"type"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Pipeline jobs reaching a terminal state by type and status.",
		}, []string{"type", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from processing to a terminal state.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"type"}),
		JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
		JobsStaleFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stale_failed_total",
			Help:      "Jobs failed by the stale-job watchdog.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}
