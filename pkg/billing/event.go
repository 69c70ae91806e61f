package billing

import (
	"context"
	"time"
)

// Provider event types the engine reacts to.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// EventHeader is common to every event variant.
type EventHeader struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool

	// Raw is the verified request body, kept for the event ledger.
	Raw []byte
}

// Header returns the envelope fields.
func (h EventHeader) Header() EventHeader { return h }

// Event is a verified provider event. The set of variants is closed:
// CheckoutCompleted, SubscriptionCreated, SubscriptionUpdated,
// SubscriptionDeleted, InvoicePaymentSucceeded, InvoicePaymentFailed and
// Unhandled.
type Event interface {
	Header() EventHeader
	isEvent()
}

// CheckoutCompleted is a checkout.session.completed event.
type CheckoutCompleted struct {
	EventHeader
	SessionID         string
	Mode              string
	CustomerID        string
	CustomerEmail     string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// SubscriptionCreated is a customer.subscription.created event.
type SubscriptionCreated struct {
	EventHeader
	Subscription Subscription
}

// SubscriptionUpdated is a customer.subscription.updated event.
type SubscriptionUpdated struct {
	EventHeader
	Subscription Subscription
}

// SubscriptionDeleted is a customer.subscription.deleted event.
type SubscriptionDeleted struct {
	EventHeader
	Subscription Subscription
}

// Invoice is the subset of a provider invoice the engine needs.
type Invoice struct {
	ID             string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time

	// Metadata is the subscription metadata snapshot attached to the invoice.
	Metadata map[string]string
}

// InvoicePaymentSucceeded is an invoice.payment_succeeded event.
type InvoicePaymentSucceeded struct {
	EventHeader
	Invoice Invoice
}

// InvoicePaymentFailed is an invoice.payment_failed event.
type InvoicePaymentFailed struct {
	EventHeader
	Invoice Invoice
}

// Unhandled is any event type the engine does not react to.
type Unhandled struct {
	EventHeader
}

func (CheckoutCompleted) isEvent()       {}
func (SubscriptionCreated) isEvent()     {}
func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (Unhandled) isEvent()               {}

// EventHandler consumes verified provider events. A non-nil error tells the
// transport to answer non-2xx so the provider redelivers.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event Event) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// References returns the customer and subscription ids an event points at.
func References(event Event) (customerID, subscriptionID string) {
	switch e := event.(type) {
	case *CheckoutCompleted:
		return e.CustomerID, e.SubscriptionID
	case *SubscriptionCreated:
		return e.Subscription.CustomerID, e.Subscription.ID
	case *SubscriptionUpdated:
		return e.Subscription.CustomerID, e.Subscription.ID
	case *SubscriptionDeleted:
		return e.Subscription.CustomerID, e.Subscription.ID
	case *InvoicePaymentSucceeded:
		return e.Invoice.CustomerID, e.Invoice.SubscriptionID
	case *InvoicePaymentFailed:
		return e.Invoice.CustomerID, e.Invoice.SubscriptionID
	}
	return "", ""
}
