package lifecycle

import (
	"context"
	"errors"
	"time"
)

const defaultEntitlementTTL = 30 * time.Second

// Entitlement is the read model collaborator services gate features on
type Entitlement struct {
	UserID           string
	Plan             Plan
	Status           Status
	StorageLimitGB   int
	TrialEndsAt      *time.Time
	CurrentPeriodEnd *time.Time
	// Entitled is true while the subscription is trialing or active.
	Entitled bool
	// Premium is true for an entitled premium subscription.
	Premium bool
}

// EntitlementFromSubscription derives the entitlement of a stored subscription
func EntitlementFromSubscription(sub *Subscription) *Entitlement {
	entitled := sub.Status.Entitled()
	return &Entitlement{
		UserID:           sub.UserID,
		Plan:             sub.Plan,
		Status:           sub.Status,
		StorageLimitGB:   sub.StorageLimitGB,
		TrialEndsAt:      sub.TrialEndsAt,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		Entitled:         entitled,
		Premium:          entitled && sub.Plan == PlanPremium,
	}
}

// EntitlementChecker reads entitlements from the subscription store
type EntitlementChecker struct {
	store SubscriptionStore
	cache EntitlementCache
	ttl   time.Duration
}

// NewEntitlementChecker creates a checker. A nil cache disables caching and a
// non-positive ttl uses the default.
func NewEntitlementChecker(store SubscriptionStore, cache EntitlementCache, ttl time.Duration) *EntitlementChecker {
	if cache == nil {
		cache = NoopCache{}
	}
	if ttl <= 0 {
		ttl = defaultEntitlementTTL
	}
	return &EntitlementChecker{store: store, cache: cache, ttl: ttl}
}

// Check returns the user's entitlement. Users without a subscription get a
// non-entitled result rather than an error.
func (c *EntitlementChecker) Check(ctx context.Context, userID string) (*Entitlement, error) {
	if ent, ok := c.cache.Get(userID); ok {
		return ent, nil
	}

	sub, err := c.store.GetSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		ent := &Entitlement{UserID: userID}
		c.cache.Set(userID, ent, c.ttl)
		return ent, nil
	}
	if err != nil {
		return nil, err
	}

	ent := EntitlementFromSubscription(sub)
	c.cache.Set(userID, ent, c.ttl)
	return ent, nil
}

// Invalidate drops any cached entitlement for the user
func (c *EntitlementChecker) Invalidate(userID string) {
	c.cache.Invalidate(userID)
}
