package billing

import (
	"context"
	"time"
)

// MetadataUserID is the metadata key linking provider objects to internal users.
const MetadataUserID = "user_id"

// Customer is the subset of a provider customer the engine needs.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
	Deleted  bool
}

// UserID returns the user id stored in the customer's metadata, if any.
func (c *Customer) UserID() string {
	if c == nil {
		return ""
	}
	return c.Metadata[MetadataUserID]
}

// Subscription is the subset of a provider subscription the engine needs.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
	Created            time.Time
}

// UserID returns the user id stored in the subscription's metadata, if any.
func (s *Subscription) UserID() string {
	if s == nil {
		return ""
	}
	return s.Metadata[MetadataUserID]
}

// CustomerParams describes a customer to create.
type CustomerParams struct {
	UserID string
	Email  string

	// IdempotencyKey makes retried creations return the same customer
	IdempotencyKey string
}

// CheckoutParams describes a subscription checkout session.
type CheckoutParams struct {
	UserID     string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// PortalParams describes a self-service portal session.
type PortalParams struct {
	CustomerID string
	ReturnURL  string
}

// Session is a created redirect session.
type Session struct {
	ID  string
	URL string
}

// Client is the outbound API of a billing provider. It is constructed once
// at startup and injected into the components that call the provider.
type Client interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// GetCustomer fetches a customer by id
	// Returns ErrCustomerNotFound if the provider has no such customer
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// CreateCustomer creates a customer carrying metadata.user_id
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)

	// FindCustomerByUserID returns a live customer whose metadata.user_id is userID
	// Returns ErrCustomerNotFound if there is none
	FindCustomerByUserID(ctx context.Context, userID string) (*Customer, error)

	// GetSubscription fetches a subscription by id
	// Returns ErrSubscriptionNotFound if the provider has no such subscription
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListSubscriptions returns every subscription of a customer, any status
	ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)

	// CreateCheckoutSession creates a subscription checkout session
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error)

	// CreatePortalSession creates a self-service portal session
	CreatePortalSession(ctx context.Context, params PortalParams) (*Session, error)
}
