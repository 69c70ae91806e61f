package reconcile

import "context"

// AlertKind classifies an alert raised for manual reconciliation.
type AlertKind string

const (
	// AlertUnresolvedIdentity means an event was dropped because no user matched
	AlertUnresolvedIdentity AlertKind = "unresolved_identity"
	// AlertAmbiguousEmail means the email fallback matched more than one user
	AlertAmbiguousEmail AlertKind = "ambiguous_email"
	// AlertEmailMatch means the email fallback found a candidate but is not
	// allowed to write; an operator has to confirm the link
	AlertEmailMatch AlertKind = "email_match"
)

// Alert carries the event context an operator needs to reconcile by hand.
type Alert struct {
	Kind           AlertKind
	EventID        string
	EventType      string
	CustomerID     string
	SubscriptionID string
	Email          string
	Candidates     []string
	Message        string
}

// Alerter delivers alerts. Implementations must not block the webhook for long.
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, alert Alert)

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, alert Alert) { f(ctx, alert) }

// NoopAlerter drops every alert.
type NoopAlerter struct{}

func (NoopAlerter) Alert(context.Context, Alert) {}
