package entitlement

import "errors"

var (
	// ErrProfileNotFound is returned when a user has no profile yet
	ErrProfileNotFound = errors.New("profile not found")

	// ErrSubscriptionNotFound is returned when no record exists for a subscription id
	ErrSubscriptionNotFound = errors.New("subscription record not found")

	// ErrDuplicateEvent is returned when an event id is already in the ledger
	ErrDuplicateEvent = errors.New("event already recorded")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownFeature is returned for a feature with no configured limit
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrInvalidUserID is returned when an operation is called without a user id
	ErrInvalidUserID = errors.New("invalid user id")
)

// ErrSkipWrite may be returned by an update func to leave the stored row
// untouched. Storage implementations treat it as success and return the
// current value.
var ErrSkipWrite = errors.New("skip write")
