package lifecycle

import "errors"

var (
	// ErrSubscriptionNotFound is returned when a user has no subscription row
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrHouseholdNotFound is returned when a user belongs to no household
	ErrHouseholdNotFound = errors.New("household not found")

	// ErrStorage wraps failures of the authoritative subscription write
	ErrStorage = errors.New("subscription storage error")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMissingUserID is returned when an event carries no resolvable user id
	ErrMissingUserID = errors.New("user id missing")

	// ErrMissingEmail is returned when no e-mail is known for a user that needs provisioning
	ErrMissingEmail = errors.New("email missing")

	// ErrProvisioningInProgress is returned when another delivery holds the provisioning claim
	ErrProvisioningInProgress = errors.New("provisioning already in progress")

	// ErrInvalidConfig is returned for incomplete reconciler configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
