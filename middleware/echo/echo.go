// Package echo provides Echo middleware that gates routes on subscription entitlement
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// EntitlementKey is the echo context key holding the checked *lifecycle.Entitlement
const EntitlementKey = "lifecycle.entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker reads entitlements (required)
	Checker *lifecycle.EntitlementChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// RequirePremium admits only entitled premium users
	RequirePremium bool

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user is not entitled
	// If nil, returns 403 Forbidden
	OnForbidden func(c echo.Context, ent *lifecycle.Entitlement) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces entitlement
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("lifecycle/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("lifecycle/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			ent, err := cfg.Checker.Check(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if !ent.Entitled || (cfg.RequirePremium && !ent.Premium) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, ent)
				}
				return defaultForbidden(c, ent)
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

// GetEntitlement returns the entitlement stored by Middleware
func GetEntitlement(c echo.Context) (*lifecycle.Entitlement, bool) {
	ent, ok := c.Get(EntitlementKey).(*lifecycle.Entitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, ent *lifecycle.Entitlement) error {
	return c.JSON(http.StatusForbidden, map[string]interface{}{
		"error":  "Subscription required",
		"status": ent.Status,
		"plan":   ent.Plan,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
