package lifecycle

import (
	"context"
	"errors"
	"time"
)

// Status is the stored subscription status
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// NormalizeStatus maps a processor subscription status onto the stored status set.
// Anything outside trialing, active and past_due collapses to canceled.
func NormalizeStatus(raw string) Status {
	switch Status(raw) {
	case StatusTrialing, StatusActive, StatusPastDue:
		return Status(raw)
	default:
		return StatusCanceled
	}
}

// Entitled reports whether the status grants access to paid functionality
func (s Status) Entitled() bool {
	return s == StatusTrialing || s == StatusActive
}

// Plan is the subscription tier
type Plan string

const (
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
)

const (
	basicStorageGB   = 10
	premiumStorageGB = 20
	bytesPerGB       = 1024 * 1024 * 1024
)

// ParsePlan maps a metadata plan_id onto a Plan. Empty and unknown values are premium.
func ParsePlan(raw string) Plan {
	if Plan(raw) == PlanBasic {
		return PlanBasic
	}
	return PlanPremium
}

// StorageLimitGB returns the media storage quota granted by the plan
func (p Plan) StorageLimitGB() int {
	if p == PlanBasic {
		return basicStorageGB
	}
	return premiumStorageGB
}

// QuotaBytes converts a storage limit in gigabytes into bytes
func QuotaBytes(gb int) int64 {
	return int64(gb) * bytesPerGB
}

// Subscription is the durable per-user subscription record
type Subscription struct {
	UserID           string
	CustomerID       string
	SubscriptionID   string
	Status           Status
	Plan             Plan
	TrialEndsAt      *time.Time
	CurrentPeriodEnd *time.Time
	StorageLimitGB   int
	// ResourceUserID is the managed media account id, empty until provisioned.
	ResourceUserID string
	UpdatedAt      time.Time
}

// Account describes the managed media account to create for a subscriber
type Account struct {
	Email      string
	Name       string
	Password   string
	QuotaBytes int64
}

// Resource is a provisioned managed media account and its API credential
type Resource struct {
	UserID string
	APIKey string
}

// Provisioner creates and destroys managed media accounts
type Provisioner interface {
	Provision(ctx context.Context, account Account) (*Resource, error)
	Deprovision(ctx context.Context, resourceUserID string) error
	ServerURL() string
}

// Identity is the subset of a user profile needed for provisioning
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// Directory looks up user profiles in the identity backend
type Directory interface {
	LookupUser(ctx context.Context, userID string) (*Identity, error)
}

// UserResolver maps a processor customer id to a user id when the
// subscription metadata does not carry one.
type UserResolver interface {
	ResolveUserID(ctx context.Context, customerID string) (string, error)
}

// ResolverChain tries each resolver in order and returns the first user id
// found. Errors are returned only when no resolver produced an id.
type ResolverChain []UserResolver

// ResolveUserID implements UserResolver
func (c ResolverChain) ResolveUserID(ctx context.Context, customerID string) (string, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		userID, err := r.ResolveUserID(ctx, customerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if userID != "" {
			return userID, nil
		}
	}
	return "", errors.Join(errs...)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// SystemTimeSource uses the wall clock
type SystemTimeSource struct{}

// Now returns the current time.
func (SystemTimeSource) Now() time.Time {
	return time.Now()
}
