// Package checkout starts provider-hosted checkout and billing portal sessions.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// customerNamespace scopes the deterministic idempotency keys used when
// creating provider customers.
var customerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/mihaimyh/goentitle/customer"))

// Config configures an Initiator.
type Config struct {
	// Storage is required.
	Storage entitlement.Storage
	Client  billing.Client

	// Directory supplies the email used when creating the provider customer.
	Directory entitlement.Directory

	// PriceID is the subscription price offered at checkout.
	PriceID    string
	SuccessURL string
	CancelURL  string

	// PortalReturnURL is where the billing portal sends the user back.
	PortalReturnURL string

	Logger entitlement.Logger
}

// Initiator creates checkout and portal sessions for users.
type Initiator struct {
	storage   entitlement.Storage
	client    billing.Client
	directory entitlement.Directory
	config    Config
	logger    entitlement.Logger
}

// New creates an Initiator. Missing provider settings are reported per call
// with ErrNotConfigured.
func New(config Config) (*Initiator, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrNotConfigured)
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Initiator{
		storage:   config.Storage,
		client:    config.Client,
		directory: config.Directory,
		config:    config,
		logger:    logger,
	}, nil
}

// IdempotencyKey returns the key used to create the provider customer for a
// user. Retries for the same user yield the same key.
func IdempotencyKey(userID string) string {
	return uuid.NewSHA1(customerNamespace, []byte(userID)).String()
}

// StartCheckout returns the URL of a new subscription checkout session.
func (i *Initiator) StartCheckout(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if i.client == nil || i.config.PriceID == "" || i.config.SuccessURL == "" || i.config.CancelURL == "" {
		return "", ErrNotConfigured
	}

	profile, err := i.profile(ctx, userID)
	if err != nil {
		return "", err
	}
	if profile.Plan == entitlement.PlanPro || profile.Plan == entitlement.PlanLifetime {
		return "", ErrAlreadySubscribed
	}

	customerID := profile.ExternalCustomerID
	if customerID == "" {
		customerID, err = i.ensureCustomer(ctx, userID)
		if err != nil {
			return "", err
		}
	}

	session, err := i.client.CreateCheckoutSession(ctx, billing.CheckoutParams{
		UserID:     userID,
		CustomerID: customerID,
		PriceID:    i.config.PriceID,
		SuccessURL: i.config.SuccessURL,
		CancelURL:  i.config.CancelURL,
	})
	if err != nil {
		return "", providerError("create checkout session", err)
	}

	i.logger.Info("Checkout session created",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "customer_id", Value: customerID},
		entitlement.Field{Key: "session_id", Value: session.ID})
	return session.URL, nil
}

// StartPortal returns the URL of a billing portal session for a paying user.
func (i *Initiator) StartPortal(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if i.client == nil || i.config.PortalReturnURL == "" {
		return "", ErrNotConfigured
	}

	profile, err := i.profile(ctx, userID)
	if err != nil {
		return "", err
	}
	if profile.Plan == entitlement.PlanFree {
		return "", ErrUpgradeRequired
	}
	if profile.ExternalCustomerID == "" {
		i.logger.Error("Paid profile without billing customer",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "plan", Value: string(profile.Plan)})
		return "", ErrMissingCustomerLink
	}

	session, err := i.client.CreatePortalSession(ctx, billing.PortalParams{
		CustomerID: profile.ExternalCustomerID,
		ReturnURL:  i.config.PortalReturnURL,
	})
	if err != nil {
		return "", providerError("create portal session", err)
	}
	return session.URL, nil
}

func (i *Initiator) profile(ctx context.Context, userID string) (*entitlement.Profile, error) {
	p, err := i.storage.GetProfile(ctx, userID)
	if errors.Is(err, entitlement.ErrProfileNotFound) {
		return &entitlement.Profile{UserID: userID, Plan: entitlement.PlanFree}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// ensureCustomer finds or creates the provider customer and stores the link
// before any session exists, so the webhook can resolve the user from the
// customer id. An existing customer tagged with the user id is reused; the
// idempotency key only covers retries within the provider's retention window.
func (i *Initiator) ensureCustomer(ctx context.Context, userID string) (string, error) {
	cust, err := i.client.FindCustomerByUserID(ctx, userID)
	switch {
	case err == nil:
		i.logger.Info("Reusing existing customer",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "customer_id", Value: cust.ID})
	case errors.Is(err, billing.ErrCustomerNotFound):
		cust, err = i.createCustomer(ctx, userID)
		if err != nil {
			return "", err
		}
	default:
		i.logger.Warn("Customer search failed, creating with idempotency key",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.ErrField(err))
		cust, err = i.createCustomer(ctx, userID)
		if err != nil {
			return "", err
		}
	}
	return i.linkCustomer(ctx, userID, cust.ID)
}

func (i *Initiator) createCustomer(ctx context.Context, userID string) (*billing.Customer, error) {
	var email string
	if i.directory != nil {
		var err error
		email, err = i.directory.Email(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("lookup email: %w", err)
		}
	}

	cust, err := i.client.CreateCustomer(ctx, billing.CustomerParams{
		UserID:         userID,
		Email:          email,
		IdempotencyKey: IdempotencyKey(userID),
	})
	if err != nil {
		return nil, providerError("create customer", err)
	}
	return cust, nil
}

func (i *Initiator) linkCustomer(ctx context.Context, userID, customerID string) (string, error) {
	p, err := i.storage.UpdateProfile(ctx, userID, func(p *entitlement.Profile) error {
		if p.ExternalCustomerID != "" {
			return entitlement.ErrSkipWrite
		}
		p.ExternalCustomerID = customerID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("link customer: %w", err)
	}
	if p.ExternalCustomerID != customerID {
		i.logger.Warn("Customer already linked by a concurrent request",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "linked", Value: p.ExternalCustomerID},
			entitlement.Field{Key: "created", Value: customerID})
	}
	return p.ExternalCustomerID, nil
}

func providerError(op string, err error) error {
	if errors.Is(err, billing.ErrProviderAPIError) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, billing.ErrProviderAPIError, err)
}
