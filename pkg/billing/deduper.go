package billing

import "context"

// Deduper tracks webhook event ids so redelivered events are applied once.
type Deduper interface {
	// Begin marks the event as in flight. It returns ErrEventProcessed when the
	// event already completed and ErrEventInFlight while another delivery holds it.
	Begin(ctx context.Context, eventID string) error

	// Complete marks the event as processed.
	Complete(ctx context.Context, eventID string) error

	// Abort releases an in-flight marker so the event can be retried.
	Abort(ctx context.Context, eventID string) error
}
