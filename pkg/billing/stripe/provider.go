package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/billing/internal"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

const (
	providerName           = "stripe"
	defaultRateLimitWindow = time.Minute
	maxWebhookBody         = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Handler, secrets, Deduper, etc.)

	// Tolerance enables a replay window on the signature timestamp. Zero
	// accepts any timestamp.
	Tolerance time.Duration

	// Subscriptions is used by SyncUser to find a user's Stripe ids.
	Subscriptions lifecycle.SubscriptionStore

	// CustomerIDResolver optionally maps a user id to a Stripe customer id
	// for SyncUser. When nil, the stored subscription and then the customer
	// search API are used.
	CustomerIDResolver func(context.Context, string) (string, error)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	handler            billing.EventHandler
	rateLimiter        *internal.RateLimiter
	webhookSecret      string
	apiKey             string
	tolerance          time.Duration
	api                api
	deduper            billing.Deduper
	callback           func(context.Context, billing.WebhookEvent) error
	subscriptions      lifecycle.SubscriptionStore
	customerIDResolver func(context.Context, string) (string, error)
	logger             lifecycle.Logger
	metrics            billing.Metrics
}

// NewProvider creates a new Stripe billing provider. Secrets may be empty;
// their absence is reported per request.
func NewProvider(config Config) (*Provider, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("%w: event handler is required", billing.ErrProviderNotConfigured)
	}

	apiKey := strings.TrimSpace(config.APIKey)
	var client api
	if apiKey != "" {
		client = &stripeAPI{client: stripe.NewClient(apiKey)}
	}

	var limiter *internal.RateLimiter
	if config.RateLimit > 0 {
		limiter = internal.NewRateLimiter(config.RateLimit, defaultRateLimitWindow)
	}

	logger := config.Logger
	if logger == nil {
		logger = &lifecycle.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		handler:            config.Handler,
		rateLimiter:        limiter,
		webhookSecret:      strings.TrimSpace(config.WebhookSecret),
		apiKey:             apiKey,
		tolerance:          config.Tolerance,
		api:                client,
		deduper:            config.Deduper,
		callback:           config.WebhookCallback,
		subscriptions:      config.Subscriptions,
		customerIDResolver: config.CustomerIDResolver,
		logger:             logger,
		metrics:            metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// SyncUser re-applies the user's current Stripe subscription
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	return p.syncUserFromAPI(ctx, userID)
}
