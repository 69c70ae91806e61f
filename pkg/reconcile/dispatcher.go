package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DefaultProvisionalTTL bounds how long an optimistic grant may stand without
// a confirming subscription record.
const DefaultProvisionalTTL = time.Hour

// PlanChange describes a profile mutation performed by the dispatcher.
type PlanChange struct {
	UserID       string
	PreviousPlan entitlement.Plan
	NewPlan      entitlement.Plan
	Provisional  bool

	EventID   string
	EventType string
	Timestamp time.Time
	Method    Method
}

// Config configures a Dispatcher.
type Config struct {
	// Storage is required.
	Storage entitlement.Storage

	// Client is required for fetching subscriptions referenced by invoices
	// and for SyncUser; when nil those paths fall back to event data.
	Client billing.Client

	// Directory enables the email step of identity resolution.
	Directory entitlement.Directory

	EmailFallback EmailFallback
	Alerter       Alerter

	// OnPlanChange is called after a profile change is stored.
	OnPlanChange func(ctx context.Context, change PlanChange)

	// ProvisionalTTL is used by ExpireProvisional when called with 0.
	ProvisionalTTL time.Duration

	Logger   entitlement.Logger
	Metrics  billing.Metrics
	Provider string

	// Now overrides the clock.
	Now func() time.Time
}

// Dispatcher routes verified provider events to their handlers. It is the
// only writer of profiles and subscription records.
type Dispatcher struct {
	storage        entitlement.Storage
	client         billing.Client
	resolver       *Resolver
	alerter        Alerter
	onPlanChange   func(ctx context.Context, change PlanChange)
	provisionalTTL time.Duration
	logger         entitlement.Logger
	metrics        billing.Metrics
	provider       string
	now            func() time.Time
}

// New creates a Dispatcher.
func New(config Config) (*Dispatcher, error) {
	resolver, err := NewResolver(ResolverConfig{
		Storage:       config.Storage,
		Client:        config.Client,
		Directory:     config.Directory,
		EmailFallback: config.EmailFallback,
		Alerter:       config.Alerter,
		Logger:        config.Logger,
		Metrics:       config.Metrics,
		Provider:      config.Provider,
	})
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		storage:        config.Storage,
		client:         config.Client,
		resolver:       resolver,
		alerter:        resolver.alerter,
		onPlanChange:   config.OnPlanChange,
		provisionalTTL: config.ProvisionalTTL,
		logger:         resolver.logger,
		metrics:        resolver.metrics,
		provider:       resolver.provider,
		now:            config.Now,
	}
	if d.provisionalTTL <= 0 {
		d.provisionalTTL = DefaultProvisionalTTL
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	return d, nil
}

// Resolver returns the dispatcher's identity resolver.
func (d *Dispatcher) Resolver() *Resolver { return d.resolver }

// result is what a handler reports back for the ledger.
type result struct {
	outcome entitlement.EventOutcome
	userID  string
}

var ignored = result{outcome: entitlement.OutcomeIgnored}

// HandleEvent implements billing.EventHandler. It returns nil for duplicates,
// unhandled types and unresolvable identities so the provider stops
// redelivering; storage and provider failures are returned.
func (d *Dispatcher) HandleEvent(ctx context.Context, event billing.Event) error {
	h := event.Header()
	if h.ID == "" {
		return fmt.Errorf("%w: missing event id", billing.ErrInvalidWebhookPayload)
	}

	seen, err := d.storage.HasEvent(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("check event ledger: %w", err)
	}
	if seen {
		d.logger.Debug("Duplicate event skipped",
			entitlement.Field{Key: "event_id", Value: h.ID},
			entitlement.Field{Key: "event_type", Value: h.Type})
		d.metrics.RecordEventOutcome(d.provider, h.Type, "duplicate")
		return nil
	}

	res, err := d.dispatch(ctx, event)
	if errors.Is(err, ErrIdentityNotFound) {
		d.reportUnresolved(ctx, event)
		res, err = result{outcome: entitlement.OutcomeUnresolved}, nil
	}
	if err != nil {
		d.logger.Error("Event handling failed",
			entitlement.Field{Key: "event_id", Value: h.ID},
			entitlement.Field{Key: "event_type", Value: h.Type},
			entitlement.ErrField(err))
		return err
	}

	d.metrics.RecordEventOutcome(d.provider, h.Type, string(res.outcome))
	d.appendLedger(ctx, event, res)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event billing.Event) (result, error) {
	switch e := event.(type) {
	case *billing.CheckoutCompleted:
		return d.handleCheckoutCompleted(ctx, e)
	case *billing.SubscriptionCreated:
		return d.applySubscription(ctx, e.EventHeader, &e.Subscription, false)
	case *billing.SubscriptionUpdated:
		return d.applySubscription(ctx, e.EventHeader, &e.Subscription, false)
	case *billing.SubscriptionDeleted:
		return d.applySubscription(ctx, e.EventHeader, &e.Subscription, true)
	case *billing.InvoicePaymentSucceeded:
		return d.applyInvoice(ctx, e.EventHeader, &e.Invoice, entitlement.StatusActive)
	case *billing.InvoicePaymentFailed:
		return d.applyInvoice(ctx, e.EventHeader, &e.Invoice, entitlement.StatusPastDue)
	default:
		d.logger.Debug("Event ignored (unhandled type)",
			entitlement.Field{Key: "event_id", Value: event.Header().ID},
			entitlement.Field{Key: "event_type", Value: event.Header().Type})
		return ignored, nil
	}
}

func (d *Dispatcher) reportUnresolved(ctx context.Context, event billing.Event) {
	h := event.Header()
	customerID, subscriptionID := billing.References(event)

	d.logger.Error("Could not resolve user for billing event; manual reconciliation required",
		entitlement.Field{Key: "event_id", Value: h.ID},
		entitlement.Field{Key: "event_type", Value: h.Type},
		entitlement.Field{Key: "subscription_id", Value: subscriptionID},
		entitlement.Field{Key: "customer_id", Value: customerID})

	d.alerter.Alert(ctx, Alert{
		Kind:           AlertUnresolvedIdentity,
		EventID:        h.ID,
		EventType:      h.Type,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Message:        "billing event could not be attributed to a user",
	})
}

// appendLedger records the event after it was handled. Failures are logged
// and swallowed.
func (d *Dispatcher) appendLedger(ctx context.Context, event billing.Event, res result) {
	h := event.Header()
	customerID, subscriptionID := billing.References(event)

	err := d.storage.AppendEvent(ctx, &entitlement.EventRecord{
		EventID:        h.ID,
		EventType:      h.Type,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		UserID:         res.userID,
		Outcome:        res.outcome,
		RawPayload:     h.Raw,
		ReceivedAt:     d.now(),
	})
	switch {
	case err == nil, errors.Is(err, entitlement.ErrDuplicateEvent):
	default:
		d.logger.Warn("Failed to append event to ledger",
			entitlement.Field{Key: "event_id", Value: h.ID},
			entitlement.ErrField(err))
	}
}

func (d *Dispatcher) notify(ctx context.Context, change PlanChange) {
	if change.PreviousPlan != change.NewPlan {
		d.metrics.RecordPlanChange(d.provider, string(change.PreviousPlan), string(change.NewPlan))
		d.logger.Info("Plan changed",
			entitlement.Field{Key: "user_id", Value: change.UserID},
			entitlement.Field{Key: "from", Value: string(change.PreviousPlan)},
			entitlement.Field{Key: "to", Value: string(change.NewPlan)},
			entitlement.Field{Key: "event_id", Value: change.EventID})
	}
	if d.onPlanChange != nil {
		d.onPlanChange(ctx, change)
	}
}
