package mediaserver

import (
	"errors"
	"fmt"
)

var (
	// ErrProvision matches every failure returned by Provision and Deprovision.
	ErrProvision = errors.New("media server provisioning failed")

	// ErrNotConfigured is returned when the base URL or admin key is missing.
	ErrNotConfigured = errors.New("media server not configured")
)

// Operation names used in ProvisionError.Step and metrics labels.
const (
	StepCreateUser   = "create_user"
	StepLogin        = "login"
	StepCreateAPIKey = "create_api_key"
	StepDeleteUser   = "delete_user"
)

// ProvisionError describes which remote call failed.
// StatusCode is zero when the request never produced a response.
type ProvisionError struct {
	Step       string
	StatusCode int
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("media server %s: status %d: %v", e.Step, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("media server %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvision
}

// retryable reports whether the failure should count against the circuit breaker.
func retryable(err error) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.StatusCode == 0 || pe.StatusCode >= 500
	}
	return err != nil
}
