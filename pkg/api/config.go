package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DefaultUserIDHeader is read when Config.GetUserID is nil.
const DefaultUserIDHeader = "X-User-ID"

// Sessions starts provider-hosted checkout and portal sessions.
// *checkout.Initiator implements it.
type Sessions interface {
	StartCheckout(ctx context.Context, userID string) (string, error)
	StartPortal(ctx context.Context, userID string) (string, error)
}

// Entitlements answers read-only plan questions. *entitlement.Gate implements it.
type Entitlements interface {
	Status(ctx context.Context, userID string) (entitlement.StatusView, error)
	CanCreateLegacyNote(ctx context.Context, userID string) (entitlement.LegacyNoteDecision, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Sessions backs the checkout and portal endpoints (required)
	Sessions Sessions

	// Entitlements backs the status and can-create endpoints (required)
	Entitlements Entitlements

	// GetUserID extracts the authenticated user ID from the request.
	// Defaults to FromHeader(DefaultUserIDHeader)
	GetUserID func(*http.Request) string

	// OnError, if set, replaces the default JSON error responses for
	// internal failures
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Sessions == nil {
		return fmt.Errorf("sessions is required")
	}
	if c.Entitlements == nil {
		return fmt.Errorf("entitlements is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(DefaultUserIDHeader)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
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
