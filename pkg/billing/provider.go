package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a billing backend implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing and reconciliation internally.
	WebhookHandler() http.Handler

	// SyncUser re-reads the user's subscription from the provider and applies
	// it as if it had arrived by webhook. Used for "Restore Purchases" or
	// nightly reconciliation jobs. Returns the resulting stored status.
	SyncUser(ctx context.Context, userID string) (string, error)
}
