package reconcile

import "errors"

var (
	// ErrIdentityNotFound is returned when no step of the fallback chain maps an
	// event to a user
	ErrIdentityNotFound = errors.New("identity not resolved")

	// ErrNotConfigured is returned when a required collaborator is missing
	ErrNotConfigured = errors.New("reconciler not configured")
)
