// Package fiber provides Fiber middleware for entitlement enforcement
package fiber

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DecisionKey is the locals key holding the allowing decision
const DecisionKey = "entitlement.decision"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// FeatureExtractor names the gated feature a request exercises
type FeatureExtractor func(c *fiber.Ctx) entitlement.Feature

// Config holds middleware configuration
type Config struct {
	// Gate answers entitlement questions (required)
	Gate entitlement.FeatureChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetFeature names the feature to check (required)
	GetFeature FeatureExtractor

	// OnDenied is called when the plan does not allow the feature
	// If nil, returns 403 JSON with the current count and limit
	OnDenied func(c *fiber.Ctx, decision entitlement.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the decision cannot be made
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires the configured feature
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("goentitle/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("goentitle/fiber: Config.GetFeature is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// fasthttp has no context.Context of its own, use UserContext
		decision, err := cfg.Gate.CanPerform(c.UserContext(), userID, cfg.GetFeature(c))
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Unable to verify plan"})
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, decision)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "Upgrade required",
				"plan":    decision.Plan,
				"current": decision.Current,
				"limit":   decision.Limit,
			})
		}

		c.Set("X-Entitlement-Plan", string(decision.Plan))
		c.Set("X-Entitlement-Limit", strconv.Itoa(decision.Limit))
		c.Locals(DecisionKey, decision)
		return c.Next()
	}
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: fiber.FromContext("UserID")
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

// FixedFeature returns a FeatureExtractor that always returns the same feature
func FixedFeature(feature entitlement.Feature) FeatureExtractor {
	return func(*fiber.Ctx) entitlement.Feature {
		return feature
	}
}
