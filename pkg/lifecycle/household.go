package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// DefaultHouseholdName is the display name of auto-created households
const DefaultHouseholdName = "My Family"

// EnsureHousehold returns a household the user belongs to, creating one owned
// by the user when there is none.
func EnsureHousehold(ctx context.Context, store HouseholdStore, userID string) (string, error) {
	id, err := store.FindHouseholdForUser(ctx, userID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrHouseholdNotFound) {
		return "", fmt.Errorf("find household: %w", err)
	}

	id, err = store.CreateHousehold(ctx, userID, DefaultHouseholdName)
	if err != nil {
		return "", fmt.Errorf("create household: %w", err)
	}
	return id, nil
}
