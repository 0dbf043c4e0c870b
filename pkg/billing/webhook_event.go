package billing

import (
	"time"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// WebhookEvent describes an applied webhook delivery. It is passed to the
// WebhookCallback after the handler returned.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider event id
	EventID string

	// EventType is the provider-specific event type
	EventType string

	// UserID is the internal user identifier (empty for ignored events)
	UserID string

	// Transition is the classified lifecycle transition
	Transition lifecycle.TransitionKind

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Report lists the reconciler sub-step outcomes
	Report *lifecycle.Report
}
