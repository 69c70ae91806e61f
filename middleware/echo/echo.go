// Package echo provides Echo middleware for entitlement enforcement
package echo

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DecisionKey is the echo context key holding the allowing decision
const DecisionKey = "entitlement.decision"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// FeatureExtractor names the gated feature a request exercises
type FeatureExtractor func(c echo.Context) entitlement.Feature

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
	OnDenied func(c echo.Context, decision entitlement.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the decision cannot be made
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires the configured feature
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("goentitle/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("goentitle/echo: Config.GetFeature is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			decision, err := cfg.Gate.CanPerform(c.Request().Context(), userID, cfg.GetFeature(c))
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Unable to verify plan"})
			}

			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":   "Upgrade required",
					"plan":    decision.Plan,
					"current": decision.Current,
					"limit":   decision.Limit,
				})
			}

			c.Response().Header().Set("X-Entitlement-Plan", string(decision.Plan))
			c.Response().Header().Set("X-Entitlement-Limit", strconv.Itoa(decision.Limit))
			c.Set(DecisionKey, decision)
			return next(c)
		}
	}
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from the Echo context
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In entitlement middleware config:
//	GetUserID: echo.FromContext("UserID")
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

// FixedFeature returns a FeatureExtractor that always returns the same feature
func FixedFeature(feature entitlement.Feature) FeatureExtractor {
	return func(echo.Context) entitlement.Feature {
		return feature
	}
}
