package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// syncUserFromAPI fetches the user's latest subscription from Stripe and
// feeds it through the event handler as an update.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (string, error) {
	if p.api == nil {
		return "", billing.ErrProviderNotConfigured
	}

	sub, err := p.findSubscription(ctx, userID)
	if err != nil {
		return "", err
	}

	obj, err := subscriptionObject(sub)
	if err != nil {
		return "", err
	}
	if obj.Metadata == nil {
		obj.Metadata = map[string]string{}
	}
	// The subscription may predate metadata; the caller already knows the user.
	if obj.Metadata[lifecycle.MetadataUserID] == "" {
		obj.Metadata[lifecycle.MetadataUserID] = userID
	}

	event := lifecycle.Event{
		ID:      "sync_" + sub.ID,
		Type:    lifecycle.EventSubscriptionUpdated,
		Created: time.Now().UTC(),
		Object:  obj,
	}
	report, err := p.handler.Handle(ctx, event)
	if err != nil {
		return "", err
	}
	p.logReport(report)

	if lifecycle.Classify(event).Kind == lifecycle.TransitionTerminated {
		return string(lifecycle.StatusExpired), nil
	}
	return string(lifecycle.NormalizeStatus(obj.Status)), nil
}

// findSubscription locates the user's subscription: the stored subscription
// id first, then the newest subscription of the user's customer.
func (p *Provider) findSubscription(ctx context.Context, userID string) (*stripe.Subscription, error) {
	var customerID string

	if p.subscriptions != nil {
		stored, err := p.subscriptions.GetSubscription(ctx, userID)
		switch {
		case err == nil:
			if stored.SubscriptionID != "" {
				sub, err := p.timedCall(ctx, "/v1/subscriptions/{id}", func() (*stripe.Subscription, error) {
					return p.api.GetSubscription(ctx, stored.SubscriptionID)
				})
				if err == nil {
					return sub, nil
				}
			}
			customerID = stored.CustomerID
		case !errors.Is(err, lifecycle.ErrSubscriptionNotFound):
			return nil, err
		}
	}

	if customerID == "" && p.customerIDResolver != nil {
		if id, err := p.customerIDResolver(ctx, userID); err == nil {
			customerID = id
		}
	}

	if customerID == "" {
		p.metrics.RecordAPICall(providerName, "/v1/customers/search", "slow_path")
		id, err := p.api.SearchCustomerByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		customerID = id
	}

	start := time.Now()
	subs, err := p.api.ListSubscriptions(ctx, customerID)
	p.metrics.RecordAPICallDuration(providerName, "/v1/subscriptions", time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/subscriptions", "error")
		return nil, err
	}
	p.metrics.RecordAPICall(providerName, "/v1/subscriptions", "success")

	var newest *stripe.Subscription
	for _, sub := range subs {
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: no subscription for customer %s", billing.ErrCustomerNotFound, customerID)
	}
	return newest, nil
}

func (p *Provider) timedCall(
	_ context.Context, endpoint string, fn func() (*stripe.Subscription, error),
) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := fn()
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, err
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return sub, nil
}
