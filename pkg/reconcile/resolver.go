package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// EmailFallback controls the last step of identity resolution.
type EmailFallback int

const (
	// EmailFallbackAuto accepts an email match only when exactly one user has
	// the address. Ambiguous matches are alerted and left unresolved.
	EmailFallbackAuto EmailFallback = iota
	// EmailFallbackAlert never resolves by email; matches are alerted for an
	// operator to confirm.
	EmailFallbackAlert
	// EmailFallbackDisabled skips the email step.
	EmailFallbackDisabled
)

// ParseEmailFallback parses "auto", "alert" or "disabled".
func ParseEmailFallback(s string) (EmailFallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return EmailFallbackAuto, nil
	case "alert":
		return EmailFallbackAlert, nil
	case "disabled", "off", "none":
		return EmailFallbackDisabled, nil
	}
	return EmailFallbackAuto, fmt.Errorf("unknown email fallback %q", s)
}

func (m EmailFallback) String() string {
	switch m {
	case EmailFallbackAlert:
		return "alert"
	case EmailFallbackDisabled:
		return "disabled"
	default:
		return "auto"
	}
}

// Method names the step that resolved an identity.
type Method string

const (
	MethodMetadata           Method = "metadata"
	MethodProfileLink        Method = "profile_link"
	MethodSubscriptionRecord Method = "subscription_record"
	MethodCustomerMetadata   Method = "customer_metadata"
	MethodEmail              Method = "email"
	MethodNone               Method = "none"
)

// IdentityRef is what an event tells us about its owner.
type IdentityRef struct {
	EventID   string
	EventType string

	// MetadataUserID is metadata.user_id on the event object.
	MetadataUserID string
	// ClientReferenceID is the checkout session's client_reference_id.
	ClientReferenceID string

	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
}

// Resolution is a resolved identity.
type Resolution struct {
	UserID string
	Method Method

	// Customer is the provider customer when it was fetched along the way.
	Customer *billing.Customer
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Storage   entitlement.Storage
	Client    billing.Client
	Directory entitlement.Directory

	EmailFallback EmailFallback

	Alerter Alerter
	Logger  entitlement.Logger
	Metrics billing.Metrics

	// Provider labels metrics. Defaults to Client.Name().
	Provider string
}

// Resolver maps billing provider references to internal user ids.
type Resolver struct {
	storage   entitlement.Storage
	client    billing.Client
	directory entitlement.Directory
	fallback  EmailFallback
	alerter   Alerter
	logger    entitlement.Logger
	metrics   billing.Metrics
	provider  string
}

// NewResolver creates a Resolver. Client and Directory are optional; the
// steps needing them are skipped when absent.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrNotConfigured)
	}
	r := &Resolver{
		storage:   config.Storage,
		client:    config.Client,
		directory: config.Directory,
		fallback:  config.EmailFallback,
		alerter:   config.Alerter,
		logger:    config.Logger,
		metrics:   config.Metrics,
		provider:  providerName(config.Provider, config.Client),
	}
	if r.alerter == nil {
		r.alerter = NoopAlerter{}
	}
	if r.logger == nil {
		r.logger = &entitlement.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &billing.NoopMetrics{}
	}
	return r, nil
}

// Resolve runs the fallback chain and stops at the first step that yields a
// user id. Lookups that find nothing move on to the next step; any other
// provider or storage error is returned so the event can be redelivered.
func (r *Resolver) Resolve(ctx context.Context, ref IdentityRef) (Resolution, error) {
	res, err := r.resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			r.metrics.RecordIdentityResolution(r.provider, string(MethodNone))
		}
		return Resolution{}, err
	}
	r.metrics.RecordIdentityResolution(r.provider, string(res.Method))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, ref IdentityRef) (Resolution, error) {
	// 1. metadata set when the session was created
	if id := strings.TrimSpace(ref.MetadataUserID); id != "" {
		return Resolution{UserID: id, Method: MethodMetadata}, nil
	}
	if id := strings.TrimSpace(ref.ClientReferenceID); id != "" {
		return Resolution{UserID: id, Method: MethodMetadata}, nil
	}

	// 2. local links
	if ref.CustomerID != "" {
		p, err := r.storage.GetProfileByCustomerID(ctx, ref.CustomerID)
		switch {
		case err == nil:
			return Resolution{UserID: p.UserID, Method: MethodProfileLink}, nil
		case !errors.Is(err, entitlement.ErrProfileNotFound):
			return Resolution{}, fmt.Errorf("lookup profile by customer: %w", err)
		}
	}
	if ref.SubscriptionID != "" {
		rec, err := r.storage.GetSubscription(ctx, ref.SubscriptionID)
		switch {
		case err == nil && rec.UserID != "":
			return Resolution{UserID: rec.UserID, Method: MethodSubscriptionRecord}, nil
		case err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound):
			return Resolution{}, fmt.Errorf("lookup subscription record: %w", err)
		}
	}

	// 3. the provider customer's own metadata
	email := ref.CustomerEmail
	var customer *billing.Customer
	if ref.CustomerID != "" && r.client != nil {
		cust, err := r.client.GetCustomer(ctx, ref.CustomerID)
		switch {
		case err == nil:
			customer = cust
			if id := cust.UserID(); id != "" {
				return Resolution{UserID: id, Method: MethodCustomerMetadata, Customer: cust}, nil
			}
			if cust.Email != "" {
				email = cust.Email
			}
		case !errors.Is(err, billing.ErrCustomerNotFound):
			return Resolution{}, fmt.Errorf("fetch customer %s: %w", ref.CustomerID, err)
		}
	}

	// 4. email match in the identity provider
	if id, ok, err := r.resolveByEmail(ctx, ref, email); err != nil {
		return Resolution{}, err
	} else if ok {
		return Resolution{UserID: id, Method: MethodEmail, Customer: customer}, nil
	}

	return Resolution{}, ErrIdentityNotFound
}

func (r *Resolver) resolveByEmail(ctx context.Context, ref IdentityRef, email string) (string, bool, error) {
	email = strings.TrimSpace(email)
	if r.fallback == EmailFallbackDisabled || r.directory == nil || email == "" {
		return "", false, nil
	}

	ids, err := r.directory.FindUserIDsByEmail(ctx, email)
	if err != nil {
		return "", false, fmt.Errorf("find users by email: %w", err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}

	alert := Alert{
		EventID:        ref.EventID,
		EventType:      ref.EventType,
		CustomerID:     ref.CustomerID,
		SubscriptionID: ref.SubscriptionID,
		Email:          email,
		Candidates:     ids,
	}

	if r.fallback == EmailFallbackAlert {
		alert.Kind = AlertEmailMatch
		alert.Message = "billing customer matches a user by email only; confirm the link manually"
		r.alerter.Alert(ctx, alert)
		return "", false, nil
	}

	if len(ids) > 1 {
		alert.Kind = AlertAmbiguousEmail
		alert.Message = fmt.Sprintf("billing customer email matches %d users", len(ids))
		r.logger.Warn("Ambiguous email match; refusing to attribute event",
			entitlement.Field{Key: "event_id", Value: ref.EventID},
			entitlement.Field{Key: "customer_id", Value: ref.CustomerID},
			entitlement.Field{Key: "candidates", Value: len(ids)})
		r.alerter.Alert(ctx, alert)
		return "", false, nil
	}

	r.logger.Warn("Resolved user by email fallback",
		entitlement.Field{Key: "event_id", Value: ref.EventID},
		entitlement.Field{Key: "customer_id", Value: ref.CustomerID},
		entitlement.Field{Key: "user_id", Value: ids[0]})
	return ids[0], true, nil
}

func providerName(name string, client billing.Client) string {
	if name != "" {
		return name
	}
	if client != nil {
		return client.Name()
	}
	return "unknown"
}
