package billing

import (
	"context"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// EventHandler applies a verified webhook event
type EventHandler interface {
	Handle(ctx context.Context, ev lifecycle.Event) (*lifecycle.Report, error)
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Handler receives every verified event. Typically a *lifecycle.Reconciler.
	Handler EventHandler

	// WebhookSecret is used to verify incoming webhook requests.
	// Checked per request; an empty value answers 500.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	// Checked per request; an empty value answers 500.
	APIKey string

	// Deduper is an optional event id tracker. When nil every delivery is applied.
	Deduper Deduper

	// WebhookCallback is invoked after an event was applied. Errors are logged only.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// RateLimit caps webhook requests per client IP per minute. 0 disables it.
	RateLimit int

	// Logger is an optional structured logger.
	Logger lifecycle.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(reg, namespace) for Prometheus metrics.
	Metrics Metrics
}
