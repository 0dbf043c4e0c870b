// Package gin provides Gin middleware that gates routes on subscription entitlement
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// EntitlementKey is the gin context key holding the checked *lifecycle.Entitlement
const EntitlementKey = "lifecycle.entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user is not entitled
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context, ent *lifecycle.Entitlement)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces entitlement
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("lifecycle/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("lifecycle/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ent, err := cfg.Checker.Check(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if !ent.Entitled || (cfg.RequirePremium && !ent.Premium) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, ent)
			} else {
				defaultForbidden(c, ent)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

// GetEntitlement returns the entitlement stored by Middleware
func GetEntitlement(c *gongin.Context) (*lifecycle.Entitlement, bool) {
	val, exists := c.Get(EntitlementKey)
	if !exists {
		return nil, false
	}
	ent, ok := val.(*lifecycle.Entitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, ent *lifecycle.Entitlement) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":  "Subscription required",
		"status": ent.Status,
		"plan":   ent.Plan,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
