package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when required processor secrets are missing
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrEventProcessed is returned by a Deduper for an event that already completed
	ErrEventProcessed = errors.New("webhook event already processed")

	// ErrEventInFlight is returned by a Deduper while another delivery of the event is running
	ErrEventInFlight = errors.New("webhook event in flight")
)
