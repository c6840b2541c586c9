package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const successOutcome = "success"

// Metrics contains all Prometheus collectors for the transcription service
type Metrics struct {
	// Run metrics
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	ActiveRuns   prometheus.Gauge

	// Stage metrics
	StageDuration *prometheus.HistogramVec

	// Cleanup metrics
	ArtifactsRemoved prometheus.Counter
	CleanupFailures  prometheus.Counter
	SweptArtifacts   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_runs_started_total",
			Help: "Total number of pipeline runs started",
		}, []string{"source"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_runs_finished_total",
			Help: "Total number of pipeline runs finished, by outcome",
		}, []string{"source", "outcome"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcribe_run_duration_seconds",
			Help:    "Wall time of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}, []string{"source"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_active_runs",
			Help: "Current number of pipeline runs in flight",
		}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcribe_stage_duration_seconds",
			Help:    "Duration of each pipeline stage, by outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27 minutes
		}, []string{"stage", "outcome"}),

		ArtifactsRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_artifacts_removed_total",
			Help: "Total number of run artifacts deleted at run end",
		}),
		CleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_cleanup_failures_total",
			Help: "Total number of run artifacts that could not be deleted",
		}),
		SweptArtifacts: f.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_swept_artifacts_total",
			Help: "Total number of stale artifacts removed by the workspace sweep",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

func outcomeLabel(outcome string) string {
	if outcome == "" {
		return successOutcome
	}
	return outcome
}

// RunStarted counts a run and marks it active
func (m *Metrics) RunStarted(source string) {
	m.RunsStarted.WithLabelValues(source).Inc()
	m.ActiveRuns.Inc()
}

// RunFinished records the outcome of a run
func (m *Metrics) RunFinished(source, outcome string, d time.Duration) {
	m.ActiveRuns.Dec()
	m.RunsFinished.WithLabelValues(source, outcomeLabel(outcome)).Inc()
	m.RunDuration.WithLabelValues(source).Observe(d.Seconds())
}

// StageFinished records one stage execution
func (m *Metrics) StageFinished(stage, outcome string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, outcomeLabel(outcome)).Observe(d.Seconds())
}

// CleanupFinished records what a run's release removed
func (m *Metrics) CleanupFinished(removed, failed int) {
	m.ArtifactsRemoved.Add(float64(removed))
	m.CleanupFailures.Add(float64(failed))
}

// RecordSweep records stale files removed by the workspace sweep
func (m *Metrics) RecordSweep(removed int) {
	m.SweptArtifacts.Add(float64(removed))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
