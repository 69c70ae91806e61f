// Package http provides HTTP middleware for entitlement enforcement
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// FeatureExtractor names the gated feature a request exercises
type FeatureExtractor func(r *http.Request) entitlement.Feature

// Config holds middleware configuration
type Config struct {
	// Gate answers entitlement questions (required)
	Gate entitlement.FeatureChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetFeature names the feature to check (required)
	GetFeature FeatureExtractor

	// OnDenied is called when the user's plan does not allow the feature
	// If nil, returns 403 Forbidden with the current count and limit
	OnDenied func(w http.ResponseWriter, r *http.Request, decision entitlement.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the decision cannot be made. The request is
	// always denied.
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires the configured feature
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("goentitle/http: Config.Gate is required")
	}
	if config.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}
	if config.GetFeature == nil {
		panic("goentitle/http: Config.GetFeature is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
				}
				return
			}

			decision, err := config.Gate.CanPerform(r.Context(), userID, config.GetFeature(r))
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "Unable to verify plan"})
				}
				return
			}

			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					writeJSON(w, http.StatusForbidden, map[string]interface{}{
						"error":   "Upgrade required",
						"plan":    decision.Plan,
						"current": decision.Current,
						"limit":   decision.Limit,
					})
				}
				return
			}

			w.Header().Set("X-Entitlement-Plan", string(decision.Plan))
			w.Header().Set("X-Entitlement-Limit", strconv.Itoa(decision.Limit))
			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), decision)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that requires a feature (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlement:userID"

	// DecisionKey is the context key for the allowing decision
	DecisionKey ContextKey = "entitlement:decision"
)

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

// FixedFeature returns a FeatureExtractor that always returns the same feature
func FixedFeature(feature entitlement.Feature) FeatureExtractor {
	return func(*http.Request) entitlement.Feature {
		return feature
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithDecision adds the allowing decision to a context
func WithDecision(ctx context.Context, d entitlement.Decision) context.Context {
	return context.WithValue(ctx, DecisionKey, d)
}

// DecisionFromContext returns the decision stored by Middleware
func DecisionFromContext(ctx context.Context) (entitlement.Decision, bool) {
	d, ok := ctx.Value(DecisionKey).(entitlement.Decision)
	return d, ok
}
