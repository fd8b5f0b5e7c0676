// Package metrics exposes Prometheus metrics for the introspection
// pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for introspection operations.
//
// All metrics use the "inspector_" prefix. Methods handle a nil receiver
// gracefully, so a nil *Metrics acts as a no-op when metrics are disabled.
type Metrics struct {
	// IntrospectionsStarted counts introspections triggered via the API.
	IntrospectionsStarted prometheus.Counter

	// IntrospectionsFinished counts completed introspections by result.
	// Labels: result=[success, error, timeout, aborted]
	IntrospectionsFinished *prometheus.CounterVec

	// LookupFailures counts submissions that could not be matched to a
	// node. Labels: reason=[not_found, ambiguous]
	LookupFailures *prometheus.CounterVec

	// ProcessingDuration tracks how long the processing pipeline takes.
	ProcessingDuration prometheus.Histogram

	// ExecutorPending tracks the depth of the background task queue.
	ExecutorPending prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// New creates and registers the introspection metrics. If registerer is
// nil, prometheus.DefaultRegisterer is used. Idempotent: repeated calls
// return the same instance.
func New(registerer prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &Metrics{
			IntrospectionsStarted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "inspector_introspections_started_total",
					Help: "Total introspections triggered via the API",
				},
			),
			IntrospectionsFinished: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inspector_introspections_finished_total",
					Help: "Total completed introspections by result",
				},
				[]string{"result"},
			),
			LookupFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inspector_lookup_failures_total",
					Help: "Total submissions that could not be matched to a node",
				},
				[]string{"reason"},
			),
			ProcessingDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "inspector_processing_duration_seconds",
					Help:    "Processing pipeline duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			ExecutorPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "inspector_executor_pending_tasks",
					Help: "Current depth of the background task queue",
				},
			),
		}

		registerer.MustRegister(
			m.IntrospectionsStarted,
			m.IntrospectionsFinished,
			m.LookupFailures,
			m.ProcessingDuration,
			m.ExecutorPending,
		)

		metricsInstance = m
	})

	return metricsInstance
}

// RecordStarted records a triggered introspection.
func (m *Metrics) RecordStarted() {
	if m == nil {
		return
	}
	m.IntrospectionsStarted.Inc()
}

// RecordFinished records a completed introspection with its result.
func (m *Metrics) RecordFinished(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.IntrospectionsFinished.WithLabelValues(result).Inc()
	if duration > 0 {
		m.ProcessingDuration.Observe(duration.Seconds())
	}
}

// RecordLookupFailure records a submission that matched no single node.
func (m *Metrics) RecordLookupFailure(reason string) {
	if m == nil {
		return
	}
	m.LookupFailures.WithLabelValues(reason).Inc()
}

// SetExecutorPending updates the background queue depth gauge.
func (m *Metrics) SetExecutorPending(pending int) {
	if m == nil {
		return
	}
	m.ExecutorPending.Set(float64(pending))
}
