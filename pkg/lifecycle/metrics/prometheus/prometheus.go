package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements lifecycle.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal     *prometheus.CounterVec
	stepsTotal           *prometheus.CounterVec
	statusChangesTotal   *prometheus.CounterVec
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
	rowsErasedTotal      *prometheus.CounterVec
	externalCallsTotal   *prometheus.CounterVec
	externalCallDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of classified subscription events.",
		}, []string{"kind"}),

		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "steps_total",
			Help:      "Total number of reconciler sub-steps by outcome.",
		}, []string{"step", "outcome"}),

		statusChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "status_changes_total",
			Help:      "Total number of stored subscription status changes.",
		}, []string{"from", "to"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		rowsErasedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rows_erased_total",
			Help:      "Total number of rows removed by the data eraser.",
		}, []string{"step"}),

		externalCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "external_calls_total",
			Help:      "Total number of outbound collaborator API calls.",
		}, []string{"service", "operation", "status"}),

		externalCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "external_call_duration_seconds",
			Help:      "Latency of outbound collaborator API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "operation"}),
	}
}

func (m *Metrics) RecordTransition(kind string) {
	m.transitionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStep(step, outcome string) {
	m.stepsTotal.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) RecordStatusChange(from, to string) {
	if from == "" {
		from = "none"
	}
	m.statusChangesTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordRowsErased(step string, rows int64) {
	m.rowsErasedTotal.WithLabelValues(step).Add(float64(rows))
}

func (m *Metrics) RecordExternalCall(service, operation, status string, duration time.Duration) {
	m.externalCallsTotal.WithLabelValues(service, operation, status).Inc()
	m.externalCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
