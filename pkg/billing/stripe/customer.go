package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// api is the subset of the Stripe REST API used outside webhooks
type api interface {
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	SearchCustomerByUserID(ctx context.Context, userID string) (string, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

type stripeAPI struct {
	client *stripe.Client
}

func (a *stripeAPI) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return a.client.V1Customers.Retrieve(ctx, id, nil)
}

func (a *stripeAPI) SearchCustomerByUserID(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", lifecycle.MetadataUserID, userID)

	for cust, err := range a.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata[lifecycle.MetadataUserID] == userID {
			return cust.ID, nil
		}
	}
	return "", billing.ErrCustomerNotFound
}

func (a *stripeAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (a *stripeAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range a.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// CustomerResolver implements lifecycle.UserResolver by reading the user id
// from Stripe customer metadata.
type CustomerResolver struct {
	api     api
	metrics billing.Metrics
}

// NewCustomerResolver creates a resolver. It returns nil when apiKey is empty.
func NewCustomerResolver(apiKey string, metrics billing.Metrics) *CustomerResolver {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &CustomerResolver{api: &stripeAPI{client: stripe.NewClient(apiKey)}, metrics: metrics}
}

// ResolveUserID returns metadata.user_id of the customer, or "" when unset
func (r *CustomerResolver) ResolveUserID(ctx context.Context, customerID string) (string, error) {
	const endpoint = "/v1/customers/{id}"
	start := time.Now()
	cust, err := r.api.GetCustomer(ctx, customerID)
	r.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		r.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("retrieve customer %s: %w", customerID, err)
	}
	r.metrics.RecordAPICall(providerName, endpoint, "success")

	if cust == nil || cust.Metadata == nil {
		return "", nil
	}
	return strings.TrimSpace(cust.Metadata[lifecycle.MetadataUserID]), nil
}
