package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

const subscriptionEventPrefix = "customer.subscription."

// subscriptionPayload is the part of a subscription object the reconciler reads.
// Newer API versions moved current_period_end onto the subscription items.
type subscriptionPayload struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Customer         json.RawMessage   `json:"customer"`
	TrialEnd         *int64            `json:"trial_end"`
	CurrentPeriodEnd *int64            `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            *struct {
		Data []struct {
			CurrentPeriodEnd *int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ParseEvent decodes a verified webhook body into a lifecycle event. Only
// subscription events carry a decoded object.
func ParseEvent(raw []byte) (lifecycle.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return lifecycle.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	out := lifecycle.Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if !strings.HasPrefix(out.Type, subscriptionEventPrefix) || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	obj, err := decodeSubscription(ev.Data.Raw)
	if err != nil {
		return lifecycle.Event{}, err
	}
	out.Object = obj
	return out, nil
}

// subscriptionObject converts an API subscription into the reconciler's view
func subscriptionObject(sub *stripe.Subscription) (*lifecycle.SubscriptionObject, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode subscription: %w", err)
	}
	return decodeSubscription(raw)
}

func decodeSubscription(raw []byte) (*lifecycle.SubscriptionObject, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: subscription object: %v", billing.ErrInvalidWebhookPayload, err)
	}

	customerID, err := customerID(p.Customer)
	if err != nil {
		return nil, err
	}

	periodEnd := p.CurrentPeriodEnd
	if periodEnd == nil && p.Items != nil && len(p.Items.Data) > 0 {
		periodEnd = p.Items.Data[0].CurrentPeriodEnd
	}

	return &lifecycle.SubscriptionObject{
		ID:               p.ID,
		Status:           p.Status,
		CustomerID:       customerID,
		TrialEnd:         unixTime(p.TrialEnd),
		CurrentPeriodEnd: unixTime(periodEnd),
		Metadata:         p.Metadata,
	}, nil
}

// customerID accepts either a bare id or an expanded customer object
func customerID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: customer: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: customer: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return obj.ID, nil
}

func unixTime(ts *int64) *time.Time {
	if ts == nil || *ts == 0 {
		return nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t
}
