package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// Syncer refreshes a user's subscription from the payment processor.
// *stripe.Provider satisfies it.
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (string, error)
}

// TokenVerifier resolves the caller of a bearer token.
// *identity.Client satisfies it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, accessToken string) (*lifecycle.Identity, error)
}

// Config holds configuration for the entitlement API handler
type Config struct {
	// Checker reads entitlements (required)
	Checker *lifecycle.EntitlementChecker

	// GetUserID extracts user ID from HTTP request (required)
	GetUserID func(*http.Request) string

	// Tokens backs gateway token rotation. If nil, RotateGatewayToken responds 501.
	Tokens lifecycle.TokenStore

	// RequirePremium restricts token rotation to entitled premium users
	RequirePremium bool

	// Syncer is optional. If nil, SyncSubscription responds 501.
	Syncer Syncer

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger lifecycle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Checker == nil {
		return fmt.Errorf("checker is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &lifecycle.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromBearer returns a GetUserID function that verifies the Authorization
// bearer token. Invalid or missing tokens yield "".
func FromBearer(verifier TokenVerifier) func(*http.Request) string {
	return func(r *http.Request) string {
		token := BearerToken(r)
		if token == "" {
			return ""
		}
		id, err := verifier.VerifyToken(r.Context(), token)
		if err != nil || id == nil {
			return ""
		}
		return id.UserID
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
