// Package sentryalert reports reconciliation alerts to Sentry so that unattributed
// payments reach an operator.
package sentryalert

import (
	"context"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/mihaimyh/goentitle/pkg/reconcile"
)

// Alerter implements reconcile.Alerter on top of a Sentry hub.
type Alerter struct {
	hub *sentry.Hub
}

// NewAlerter creates an Alerter. A nil hub uses sentry.CurrentHub().
func NewAlerter(hub *sentry.Hub) *Alerter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Alerter{hub: hub}
}

// Alert implements reconcile.Alerter
func (a *Alerter) Alert(ctx context.Context, alert reconcile.Alert) {
	hub := a.hub
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level(alert.Kind))
		scope.SetTag("alert_kind", string(alert.Kind))
		scope.SetTag("event_type", alert.EventType)
		scope.SetFingerprint([]string{"billing-reconcile", string(alert.Kind)})
		scope.SetContext("billing", sentry.Context{
			"event_id":        alert.EventID,
			"customer_id":     alert.CustomerID,
			"subscription_id": alert.SubscriptionID,
			"email":           alert.Email,
			"candidates":      strings.Join(alert.Candidates, ","),
		})
		hub.CaptureMessage(alert.Message)
	})
}

func level(kind reconcile.AlertKind) sentry.Level {
	if kind == reconcile.AlertUnresolvedIdentity {
		return sentry.LevelError
	}
	return sentry.LevelWarning
}

var _ reconcile.Alerter = (*Alerter)(nil)
