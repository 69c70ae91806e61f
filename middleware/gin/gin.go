// Package gin provides Gin middleware for entitlement enforcement
package gin

import (
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DecisionKey is the gin context key holding the allowing decision
const DecisionKey = "entitlement.decision"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// FeatureExtractor names the gated feature a request exercises
type FeatureExtractor func(c *gongin.Context) entitlement.Feature

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
	OnDenied func(c *gongin.Context, decision entitlement.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the decision cannot be made. The request is
	// aborted either way.
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires the configured feature
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("goentitle/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("goentitle/gin: Config.GetFeature is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		decision, err := cfg.Gate.CanPerform(c.Request.Context(), userID, cfg.GetFeature(c))
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Unable to verify plan"})
			}
			c.Abort()
			return
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				defaultDenied(c, decision)
			}
			c.Abort()
			return
		}

		c.Header("X-Entitlement-Plan", string(decision.Plan))
		c.Header("X-Entitlement-Limit", strconv.Itoa(decision.Limit))
		c.Set(DecisionKey, decision)
		c.Next()
	}
}

func defaultDenied(c *gongin.Context, d entitlement.Decision) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":   "Upgrade required",
		"plan":    d.Plan,
		"current": d.Current,
		"limit":   d.Limit,
	})
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from the Gin context
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

// FixedFeature returns a FeatureExtractor that always returns the same feature
func FixedFeature(feature entitlement.Feature) FeatureExtractor {
	return func(*gongin.Context) entitlement.Feature {
		return feature
	}
}
