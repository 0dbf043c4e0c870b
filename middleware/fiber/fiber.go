// Package fiber provides Fiber middleware that gates routes on subscription entitlement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// EntitlementKey is the Locals key holding the checked *lifecycle.Entitlement
const EntitlementKey = "lifecycle.entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user is not entitled
	// If nil, returns 403 Forbidden
	OnForbidden func(c *fiber.Ctx, ent *lifecycle.Entitlement) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces entitlement
func Middleware(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("lifecycle/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("lifecycle/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		ent, err := cfg.Checker.Check(c.UserContext(), userID)
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

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

// GetEntitlement returns the entitlement stored by Middleware
func GetEntitlement(c *fiber.Ctx) (*lifecycle.Entitlement, bool) {
	ent, ok := c.Locals(EntitlementKey).(*lifecycle.Entitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, ent *lifecycle.Entitlement) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":  "Subscription required",
		"status": ent.Status,
		"plan":   ent.Plan,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
