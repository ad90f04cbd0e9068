// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RunsTotal tracks patent runs by terminal outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patent_runs_total",
			Help: "Total patent runs by outcome",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks end-to-end run duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patent_run_duration_seconds",
			Help:    "Patent run duration from submission to terminal state",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// RunRetriesTotal tracks stream reconnection attempts.
	RunRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patent_run_retries_total",
			Help: "Total run stream retry attempts",
		},
	)

	// StreamEventsTotal tracks classified stream events.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Total classified agent stream events",
		},
		[]string{"type"},
	)

	// SSEConnectionsActive tracks active SSE connections on the dev server.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// PipelineStageDuration tracks dev pipeline stage duration.
	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Agent pipeline stage duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"stage"},
	)

	// TransformationsTotal tracks document transformation attempts.
	TransformationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "document_transformations_total",
			Help: "Total document transformations",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRun records a run reaching a terminal state.
func RecordRun(outcome string, duration float64) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordStreamEvent records one classified stream event.
func RecordStreamEvent(eventType string) {
	StreamEventsTotal.WithLabelValues(eventType).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
