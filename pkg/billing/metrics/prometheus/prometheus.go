package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// webhookBuckets spans a fast dedupe hit up to a delivery that provisions a
// media server account.
var webhookBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics records Stripe webhook deliveries and subscription sync calls.
type Metrics struct {
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	rejectionsTotal  *prometheus.CounterVec
	syncCallsTotal   *prometheus.CounterVec
	syncCallDuration *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Verified webhook deliveries by event type and outcome (success, ignored, duplicate, in_flight, error).",
		}, []string{"provider", "event_type", "status"}),

		deliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Time from receiving a verified delivery to acknowledging it, including reconciliation.",
			Buckets:   webhookBuckets,
		}, []string{"provider", "event_type"}),

		rejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Webhook deliveries rejected or failed, by reason (missing_signature, auth_failed, payload_too_large, processing_error, ...).",
		}, []string{"provider", "error_type"}),

		syncCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Processor API calls made while syncing a user's subscription.",
		}, []string{"provider", "endpoint", "status"}),

		syncCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Latency of processor API calls made while syncing a user's subscription.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.deliveriesTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.deliveryDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.rejectionsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.syncCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.syncCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
