package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/billing/internal"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

const (
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type, stripe-signature"
	unknownEventType = "UNKNOWN"
)

var receivedResponse = map[string]bool{"received": true}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if p.webhookSecret == "" || p.apiKey == "" {
		p.logger.Error("stripe webhook rejected: processor secrets not configured")
		p.metrics.RecordWebhookError(providerName, "config_missing")
		internal.WriteError(w, http.StatusInternalServerError, "Missing secrets")
		return
	}

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		internal.WriteError(w, http.StatusBadRequest, "Missing stripe-signature")
		return
	}

	// Read the body once and verify the untouched bytes
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			internal.WriteError(w, http.StatusBadRequest, "Invalid payload")
		}
		return
	}

	if err := VerifySignature(body, sig, p.webhookSecret, p.tolerance); err != nil {
		p.logger.Warn("stripe webhook signature rejected", lifecycle.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		p.logger.Warn("stripe webhook payload rejected", lifecycle.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	eventType := event.Type
	if eventType == "" {
		eventType = unknownEventType
	}

	ctx := r.Context()
	deduped := false
	if p.deduper != nil && event.ID != "" {
		switch err := p.deduper.Begin(ctx, event.ID); {
		case errors.Is(err, billing.ErrEventProcessed):
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			_ = internal.WriteJSON(w, http.StatusOK, receivedResponse)
			return
		case errors.Is(err, billing.ErrEventInFlight):
			p.metrics.RecordWebhookEvent(providerName, eventType, "in_flight")
			internal.WriteError(w, http.StatusConflict, "Event in progress")
			return
		case err != nil:
			// Process without dedupe rather than drop the delivery
			p.logger.Warn("webhook deduper unavailable",
				lifecycle.Field{Key: "event_id", Value: event.ID}, lifecycle.Field{Key: "error", Value: err.Error()})
		default:
			deduped = true
		}
	}

	report, err := p.handler.Handle(ctx, event)
	if err != nil {
		if deduped {
			p.finishDedupe(ctx, event.ID, p.deduper.Abort)
		}
		p.logger.Error("stripe webhook processing failed",
			lifecycle.Field{Key: "event_id", Value: event.ID},
			lifecycle.Field{Key: "event_type", Value: eventType},
			lifecycle.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		internal.WriteError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}
	if deduped {
		if report != nil && len(report.Failed()) > 0 {
			// Leave the event retryable; replaying it is idempotent.
			p.finishDedupe(ctx, event.ID, p.deduper.Abort)
		} else {
			p.finishDedupe(ctx, event.ID, p.deduper.Complete)
		}
	}

	p.logReport(report)
	p.invokeCallback(ctx, event, report)

	_ = internal.WriteJSON(w, http.StatusOK, receivedResponse)

	status := "success"
	if report != nil && report.Kind == lifecycle.TransitionIgnored {
		status = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) finishDedupe(ctx context.Context, eventID string, fn func(context.Context, string) error) {
	if err := fn(ctx, eventID); err != nil {
		p.logger.Warn("webhook deduper update failed",
			lifecycle.Field{Key: "event_id", Value: eventID}, lifecycle.Field{Key: "error", Value: err.Error()})
	}
}

// logReport writes one line per reconciler sub-step
func (p *Provider) logReport(report *lifecycle.Report) {
	if report == nil {
		return
	}
	for _, step := range report.Steps {
		fields := []lifecycle.Field{
			{Key: "event_id", Value: report.EventID},
			{Key: "event_type", Value: report.EventType},
			{Key: "user_id", Value: report.UserID},
			{Key: "step", Value: step.Step},
			{Key: "status", Value: step.Outcome},
		}
		if step.Err != nil {
			fields = append(fields, lifecycle.Field{Key: "error", Value: step.Err.Error()})
		}
		if step.Outcome == lifecycle.OutcomeFailed {
			p.logger.Warn("stripe webhook step", fields...)
		} else {
			p.logger.Info("stripe webhook step", fields...)
		}
	}
}

func (p *Provider) invokeCallback(ctx context.Context, event lifecycle.Event, report *lifecycle.Report) {
	if p.callback == nil || report == nil {
		return
	}
	err := p.callback(ctx, billing.WebhookEvent{
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      event.Type,
		UserID:         report.UserID,
		Transition:     report.Kind,
		EventTimestamp: event.Created,
		Report:         report,
	})
	if err != nil {
		p.logger.Warn("webhook callback failed",
			lifecycle.Field{Key: "event_id", Value: event.ID}, lifecycle.Field{Key: "error", Value: err.Error()})
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
}
