package entitlement

import (
	"context"
	"time"
)

// ProfileUpdateFunc mutates a profile inside an atomic read-modify-write.
// The profile passed in is never nil: a missing profile is presented as a new
// free-plan profile. Returning an error aborts the write.
type ProfileUpdateFunc func(p *Profile) error

// SubscriptionUpdateFunc mutates a subscription record inside an atomic
// read-modify-write. exists is false when rec is a fresh record carrying only
// its ID. Returning ErrSkipWrite leaves the stored record untouched.
type SubscriptionUpdateFunc func(rec *SubscriptionRecord, exists bool) error

// Storage defines the persistence contract for profiles, subscription records
// and the event ledger. Implementations must make UpdateProfile and
// UpdateSubscription atomic per row.
type Storage interface {
	// GetProfile retrieves a user's profile
	// Returns ErrProfileNotFound if the user has none yet
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// GetProfileByCustomerID retrieves the profile linked to an external customer id
	// Returns ErrProfileNotFound if no profile carries that link
	GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error)

	// UpdateProfile atomically applies fn to the user's profile, creating it on
	// first use with plan free, and returns the stored result
	UpdateProfile(ctx context.Context, userID string, fn ProfileUpdateFunc) (*Profile, error)

	// ListProvisionalProfiles returns profiles whose optimistic grant started before the cutoff
	ListProvisionalProfiles(ctx context.Context, before time.Time) ([]*Profile, error)

	// GetSubscription retrieves a subscription record by external id
	// Returns ErrSubscriptionNotFound if absent
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error)

	// UpdateSubscription atomically upserts the record keyed by subscriptionID
	// and returns the stored result
	UpdateSubscription(ctx context.Context, subscriptionID string, fn SubscriptionUpdateFunc) (*SubscriptionRecord, error)

	// ListSubscriptionsByUser returns every record owned by the user, newest period first
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]*SubscriptionRecord, error)

	// HasEvent reports whether the ledger already holds eventID
	HasEvent(ctx context.Context, eventID string) (bool, error)

	// AppendEvent appends a ledger entry
	// Returns ErrDuplicateEvent if the event id is already recorded
	AppendEvent(ctx context.Context, rec *EventRecord) error
}

// Directory is the identity provider's view of users, used for lookups the
// billing provider cannot answer.
type Directory interface {
	// Email returns the user's email address, or "" if unknown
	Email(ctx context.Context, userID string) (string, error)

	// FindUserIDsByEmail returns every user id registered with email
	FindUserIDsByEmail(ctx context.Context, email string) ([]string, error)
}

// Counter counts the resources of a feature a user already owns.
type Counter interface {
	Count(ctx context.Context, userID string, feature Feature) (int, error)
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(ctx context.Context, userID string, feature Feature) (int, error)

// Count calls f.
func (f CounterFunc) Count(ctx context.Context, userID string, feature Feature) (int, error) {
	return f(ctx, userID, feature)
}
