package lifecycle

import "time"

// Metrics defines the interface for tracking reconciler operations.
type Metrics interface {
	// RecordTransition records a classified event transition ("upserted", "terminated", "ignored").
	RecordTransition(kind string)

	// RecordStep records the outcome of a reconciler sub-step.
	// outcome: "ok", "skipped" or "failed"
	RecordStep(step, outcome string)

	// RecordStatusChange records a stored subscription status change.
	RecordStatusChange(from, to string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordRowsErased records rows removed by the data eraser per table.
	RecordRowsErased(table string, rows int64)

	// RecordExternalCall records an outbound call to a collaborator API.
	// status: HTTP status code as string, or "error" for transport failures
	RecordExternalCall(service, operation, status string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(kind string)                                                 {}
func (n *NoopMetrics) RecordStep(step, outcome string)                                              {}
func (n *NoopMetrics) RecordStatusChange(from, to string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error)   {}
func (n *NoopMetrics) RecordRowsErased(table string, rows int64)                                    {}
func (n *NoopMetrics) RecordExternalCall(service, operation, status string, duration time.Duration) {}
