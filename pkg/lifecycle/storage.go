package lifecycle

import (
	"context"
	"time"
)

// SubscriptionStore persists subscription rows keyed by user id
type SubscriptionStore interface {
	// GetSubscription returns the user's subscription or ErrSubscriptionNotFound
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// UpsertSubscription inserts or updates the row keyed by user id.
	// ResourceUserID is never written by an upsert.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// ClaimProvisioning atomically marks the row as being provisioned.
	// It succeeds only when no resource is recorded and no unexpired claim
	// exists, and reports whether this caller won the claim.
	ClaimProvisioning(ctx context.Context, userID string, lease time.Duration) (bool, error)

	// CompleteProvisioning records the resource id only if none is set yet and
	// clears the claim. It reports whether the id was written.
	CompleteProvisioning(ctx context.Context, userID, resourceUserID string) (bool, error)

	// ReleaseProvisioning drops a claim without recording a resource
	ReleaseProvisioning(ctx context.Context, userID string) error

	// ExpireSubscription sets the status to expired. Missing rows are not an error.
	ExpireSubscription(ctx context.Context, userID string) error

	// ClearResource unsets the resource id if it still equals resourceUserID
	ClearResource(ctx context.Context, userID, resourceUserID string) error
}

// TokenStore persists AI gateway token hashes and the plaintext side-channel
type TokenStore interface {
	// InsertGatewayToken stores a token hash unless one with the same name
	// already exists for the user. It reports whether a row was inserted.
	InsertGatewayToken(ctx context.Context, userID, name, tokenHash string) (bool, error)

	// ReplaceGatewayToken inserts or overwrites the named token hash
	ReplaceGatewayToken(ctx context.Context, userID, name, tokenHash string) error

	// SetPlainGatewayToken forwards the plaintext token to secret storage
	SetPlainGatewayToken(ctx context.Context, userID, plainToken string) error

	// GetPlainGatewayToken reads the plaintext token back from secret storage
	GetPlainGatewayToken(ctx context.Context, userID string) (string, error)
}

// HouseholdStore persists households and their memberships
type HouseholdStore interface {
	// FindHouseholdForUser returns any household the user is a member of,
	// or ErrHouseholdNotFound
	FindHouseholdForUser(ctx context.Context, userID string) (string, error)

	// CreateHousehold creates a household owned by the user together with
	// an owner membership row
	CreateHousehold(ctx context.Context, ownerID, name string) (string, error)

	// BindMediaServer stores managed media-server credentials for a household
	BindMediaServer(ctx context.Context, householdID, serverURL, apiKey string) error
}

// HouseholdTable names a household-scoped table removed by the eraser
type HouseholdTable string

const (
	TableHouseholdInvites  HouseholdTable = "household_invites"
	TableHouseholdSettings HouseholdTable = "household_settings"
	TableHouseholdMembers  HouseholdTable = "household_members"
	TableHouseholds        HouseholdTable = "households"
)

// ContentStore deletes user-owned content. Every delete returns the number
// of removed rows; deleting nothing is not an error.
type ContentStore interface {
	OwnedHouseholds(ctx context.Context, userID string) ([]string, error)
	ChildrenOfHouseholds(ctx context.Context, householdIDs []string) ([]string, error)
	DeleteJournalEntriesByUser(ctx context.Context, userID string) (int64, error)
	DeleteJournalEntriesByChildren(ctx context.Context, childIDs []string) (int64, error)
	DeleteChildrenByUser(ctx context.Context, userID string) (int64, error)
	DeleteChildrenByHouseholds(ctx context.Context, householdIDs []string) (int64, error)
	DeleteHouseholdRows(ctx context.Context, table HouseholdTable, householdIDs []string) (int64, error)
}

// Storage combines every store the reconciler needs
type Storage interface {
	SubscriptionStore
	TokenStore
	HouseholdStore
	ContentStore
}
