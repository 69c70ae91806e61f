package checkout

import "errors"

var (
	// ErrNotConfigured is returned when a required price id, URL or client is missing
	ErrNotConfigured = errors.New("checkout not configured")

	// ErrUnauthenticated is returned when no user id is available
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAlreadySubscribed is returned when a paid user starts a new checkout
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrUpgradeRequired is returned when a free user asks for the billing portal
	ErrUpgradeRequired = errors.New("upgrade required")

	// ErrMissingCustomerLink is returned when a paid profile has no billing
	// customer; the profile needs manual repair
	ErrMissingCustomerLink = errors.New("paid profile has no billing customer link")
)
