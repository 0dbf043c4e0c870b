// Package http provides HTTP middleware that gates handlers on a user's
// subscription entitlement
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker reads entitlements (required)
	Checker *lifecycle.EntitlementChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// RequirePremium admits only entitled premium users.
	// Otherwise any trialing or active subscription passes.
	RequirePremium bool

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user is not entitled
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, ent *lifecycle.Entitlement)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces entitlement
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("lifecycle/http: Config.Checker is required")
	}
	if config.GetUserID == nil {
		panic("lifecycle/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			ent, err := config.Checker.Check(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			if !Allowed(ent, config.RequirePremium) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, ent)
				} else {
					writeError(w, http.StatusForbidden, "Subscription required")
				}
				return
			}

			ctx := context.WithValue(r.Context(), EntitlementKey, ent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Allowed reports whether ent passes the gate
func Allowed(ent *lifecycle.Entitlement, requirePremium bool) bool {
	if ent == nil || !ent.Entitled {
		return false
	}
	return !requirePremium || ent.Premium
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "lifecycle:userID"

	// EntitlementKey is the context key for the checked entitlement
	EntitlementKey ContextKey = "lifecycle:entitlement"
)

// EntitlementFromContext returns the entitlement stored by Middleware
func EntitlementFromContext(ctx context.Context) (*lifecycle.Entitlement, bool) {
	ent, ok := ctx.Value(EntitlementKey).(*lifecycle.Entitlement)
	return ent, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
