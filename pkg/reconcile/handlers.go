package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// MetadataPlan is the checkout session metadata key selecting a one-time plan.
const MetadataPlan = "plan"

const (
	checkoutModeSubscription = "subscription"
	checkoutModePayment      = "payment"
)

// subscriptionPatch lists the fields an event is allowed to overwrite on a
// subscription record. Zero values leave the stored field alone.
type subscriptionPatch struct {
	UserID            string
	CustomerID        string
	Status            entitlement.SubscriptionStatus
	PriceID           string
	CancelAtPeriodEnd *bool
	snapshot          *billing.Subscription
}

func patchFromSubscription(userID string, sub *billing.Subscription, status entitlement.SubscriptionStatus) subscriptionPatch {
	cancelAtPeriodEnd := sub.CancelAtPeriodEnd
	return subscriptionPatch{
		UserID:            userID,
		CustomerID:        sub.CustomerID,
		Status:            status,
		PriceID:           sub.PriceID,
		CancelAtPeriodEnd: &cancelAtPeriodEnd,
		snapshot:          sub,
	}
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, e *billing.CheckoutCompleted) (result, error) {
	lifetime := e.Metadata[MetadataPlan] == string(entitlement.PlanLifetime)
	switch {
	case lifetime && e.Mode == checkoutModePayment:
	case e.Mode == "" || e.Mode == checkoutModeSubscription:
	default:
		return ignored, nil
	}

	res, err := d.resolver.Resolve(ctx, IdentityRef{
		EventID:           e.ID,
		EventType:         e.Type,
		MetadataUserID:    e.Metadata[billing.MetadataUserID],
		ClientReferenceID: e.ClientReferenceID,
		CustomerID:        e.CustomerID,
		SubscriptionID:    e.SubscriptionID,
		CustomerEmail:     e.CustomerEmail,
	})
	if err != nil {
		return result{}, err
	}

	if lifetime {
		if _, err := d.updateProfile(ctx, res.UserID, e.EventHeader, res.Method, func(p *entitlement.Profile) {
			linkCustomer(p, e.CustomerID)
			p.Plan = entitlement.PlanLifetime
			p.ProvisionalSince = nil
		}); err != nil {
			return result{}, err
		}
		return result{outcome: entitlement.OutcomeApplied, userID: res.UserID}, nil
	}

	var rec *entitlement.SubscriptionRecord
	if e.SubscriptionID != "" {
		rec, err = d.storage.GetSubscription(ctx, e.SubscriptionID)
		if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			return result{}, fmt.Errorf("load subscription %s: %w", e.SubscriptionID, err)
		}
		if rec != nil && rec.UserID == "" {
			if _, err := d.writeSubscription(ctx, e.EventHeader, e.SubscriptionID, subscriptionPatch{
				UserID:     res.UserID,
				CustomerID: e.CustomerID,
			}); err != nil {
				return result{}, err
			}
		}
	}

	granted := e.Created
	if granted.IsZero() {
		granted = d.now()
	}

	if _, err := d.updateProfile(ctx, res.UserID, e.EventHeader, res.Method, func(p *entitlement.Profile) {
		linkCustomer(p, e.CustomerID)
		switch {
		case p.Plan == entitlement.PlanLifetime:
		case rec != nil && rec.Status.Terminal():
			// the subscription already ended; the grant would outlive it
		case rec != nil && rec.Status.Entitling():
			p.Plan = entitlement.PlanPro
			p.ProvisionalSince = nil
		default:
			// unconfirmed until a record for this subscription arrives
			p.Plan = entitlement.PlanPro
			if !p.Provisional() || p.ProvisionalSince.Before(granted) {
				since := granted
				p.ProvisionalSince = &since
			}
		}
	}); err != nil {
		return result{}, err
	}

	return result{outcome: entitlement.OutcomeApplied, userID: res.UserID}, nil
}

func (d *Dispatcher) applySubscription(
	ctx context.Context, h billing.EventHeader, sub *billing.Subscription, deleted bool,
) (result, error) {
	if sub.ID == "" {
		return result{}, fmt.Errorf("%w: subscription without id", billing.ErrInvalidWebhookPayload)
	}

	res, err := d.resolver.Resolve(ctx, IdentityRef{
		EventID:        h.ID,
		EventType:      h.Type,
		MetadataUserID: sub.UserID(),
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
	})
	if err != nil {
		return result{}, err
	}

	status := entitlement.NormalizeStatus(sub.Status)
	if deleted {
		status = entitlement.StatusCanceled
	}

	applied, err := d.writeSubscription(ctx, h, sub.ID, patchFromSubscription(res.UserID, sub, status))
	if err != nil {
		return result{}, err
	}
	if err := d.recomputePlan(ctx, res.UserID, sub.CustomerID, h, res.Method, false); err != nil {
		return result{}, err
	}

	return outcomeOf(applied, res.UserID), nil
}

func (d *Dispatcher) applyInvoice(
	ctx context.Context, h billing.EventHeader, inv *billing.Invoice, status entitlement.SubscriptionStatus,
) (result, error) {
	if inv.SubscriptionID == "" {
		// one-off invoice, nothing to reconcile
		return ignored, nil
	}

	_, err := d.storage.GetSubscription(ctx, inv.SubscriptionID)
	exists := err == nil
	if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return result{}, fmt.Errorf("load subscription %s: %w", inv.SubscriptionID, err)
	}

	var snapshot *billing.Subscription
	if !exists && d.client != nil {
		snapshot, err = d.client.GetSubscription(ctx, inv.SubscriptionID)
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			d.logger.Warn("Invoice references unknown subscription",
				entitlement.Field{Key: "event_id", Value: h.ID},
				entitlement.Field{Key: "subscription_id", Value: inv.SubscriptionID})
			return ignored, nil
		}
		if err != nil {
			return result{}, fmt.Errorf("fetch subscription %s: %w", inv.SubscriptionID, err)
		}
	}

	ref := IdentityRef{
		EventID:        h.ID,
		EventType:      h.Type,
		MetadataUserID: inv.Metadata[billing.MetadataUserID],
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
		CustomerEmail:  inv.CustomerEmail,
	}
	if snapshot != nil {
		if ref.MetadataUserID == "" {
			ref.MetadataUserID = snapshot.UserID()
		}
		if ref.CustomerID == "" {
			ref.CustomerID = snapshot.CustomerID
		}
	}

	res, err := d.resolver.Resolve(ctx, ref)
	if err != nil {
		return result{}, err
	}

	patch := subscriptionPatch{UserID: res.UserID, CustomerID: ref.CustomerID, Status: status}
	if snapshot != nil {
		if entitlement.NormalizeStatus(snapshot.Status).Terminal() {
			status = entitlement.StatusCanceled
		}
		patch = patchFromSubscription(res.UserID, snapshot, status)
	}

	applied, err := d.writeSubscription(ctx, h, inv.SubscriptionID, patch)
	if err != nil {
		return result{}, err
	}
	if err := d.recomputePlan(ctx, res.UserID, ref.CustomerID, h, res.Method, false); err != nil {
		return result{}, err
	}

	return outcomeOf(applied, res.UserID), nil
}

// writeSubscription upserts a record with last-write-wins by event creation
// time. A terminal status is final: once stored, no later event moves the
// record out of it, and it is applied even when the event is older than the
// record. suspended and incomplete are not terminal. A patch without a status
// only links ownership and needs an existing record. Reports whether the write
// happened.
func (d *Dispatcher) writeSubscription(
	ctx context.Context, h billing.EventHeader, subscriptionID string, patch subscriptionPatch,
) (bool, error) {
	linkOnly := patch.Status == ""
	var applied bool
	_, err := d.storage.UpdateSubscription(ctx, subscriptionID, func(rec *entitlement.SubscriptionRecord, exists bool) error {
		applied = false
		switch {
		case linkOnly && !exists:
			return entitlement.ErrSkipWrite
		case linkOnly:
		case exists && rec.Status.Terminal() && !patch.Status.Terminal():
			return entitlement.ErrSkipWrite
		case exists && !patch.Status.Terminal() &&
			!rec.LastEventAt.IsZero() && h.Created.Before(rec.LastEventAt):
			return entitlement.ErrSkipWrite
		}

		if patch.UserID != "" {
			rec.UserID = patch.UserID
		}
		if patch.CustomerID != "" {
			rec.CustomerID = patch.CustomerID
		}
		if linkOnly {
			applied = true
			return nil
		}

		rec.Status = patch.Status
		if patch.PriceID != "" {
			rec.PriceID = patch.PriceID
		}
		if s := patch.snapshot; s != nil {
			if !s.CurrentPeriodStart.IsZero() {
				rec.CurrentPeriodStart = s.CurrentPeriodStart
			}
			if !s.CurrentPeriodEnd.IsZero() {
				rec.CurrentPeriodEnd = s.CurrentPeriodEnd
			}
		}
		if patch.CancelAtPeriodEnd != nil {
			rec.CancelAtPeriodEnd = *patch.CancelAtPeriodEnd
		}
		if h.Created.After(rec.LastEventAt) {
			rec.LastEventAt = h.Created
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update subscription %s: %w", subscriptionID, err)
	}
	if !applied {
		d.logger.Debug("Stale or terminal subscription event skipped",
			entitlement.Field{Key: "event_id", Value: h.ID},
			entitlement.Field{Key: "subscription_id", Value: subscriptionID})
	}
	return applied, nil
}

// recomputePlan derives the profile plan from every record the user owns.
// Any entitling record means pro, a canceled best record means free, and
// lifetime is never touched. A provisional grant newer than the cancellation
// it would be revoked by stays in place unless authoritative is set.
func (d *Dispatcher) recomputePlan(
	ctx context.Context, userID, customerID string, h billing.EventHeader, method Method, authoritative bool,
) error {
	subs, err := d.storage.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	best := entitlement.BestSubscription(subs)

	_, err = d.updateProfile(ctx, userID, h, method, func(p *entitlement.Profile) {
		linkCustomer(p, customerID)
		if p.Plan == entitlement.PlanLifetime {
			p.ProvisionalSince = nil
			return
		}
		switch {
		case best == nil:
			if authoritative {
				p.Plan = entitlement.PlanFree
				p.ProvisionalSince = nil
			}
		case best.Status.Entitling():
			p.Plan = entitlement.PlanPro
			p.ProvisionalSince = nil
		default:
			if p.Provisional() && !authoritative && !best.LastEventAt.After(*p.ProvisionalSince) {
				return
			}
			p.Plan = entitlement.PlanFree
			p.ProvisionalSince = nil
		}
	})
	return err
}

// updateProfile wraps Storage.UpdateProfile, skipping no-op writes and
// reporting stored changes.
func (d *Dispatcher) updateProfile(
	ctx context.Context, userID string, h billing.EventHeader, method Method, mutate func(p *entitlement.Profile),
) (*entitlement.Profile, error) {
	var change PlanChange
	var changed bool

	p, err := d.storage.UpdateProfile(ctx, userID, func(p *entitlement.Profile) error {
		before := p.Clone()
		mutate(p)
		changed = profileChanged(before, p)
		change = PlanChange{
			UserID:       userID,
			PreviousPlan: before.Plan,
			NewPlan:      p.Plan,
			Provisional:  p.Provisional(),
			EventID:      h.ID,
			EventType:    h.Type,
			Timestamp:    h.Created,
			Method:       method,
		}
		if !changed {
			return entitlement.ErrSkipWrite
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update profile %s: %w", userID, err)
	}
	if changed {
		d.notify(ctx, change)
	}
	return p, nil
}

func linkCustomer(p *entitlement.Profile, customerID string) {
	if customerID != "" && p.ExternalCustomerID == "" {
		p.ExternalCustomerID = customerID
	}
}

func profileChanged(a, b *entitlement.Profile) bool {
	if a.Plan != b.Plan || a.ExternalCustomerID != b.ExternalCustomerID {
		return true
	}
	switch {
	case a.ProvisionalSince == nil && b.ProvisionalSince == nil:
		return false
	case a.ProvisionalSince == nil || b.ProvisionalSince == nil:
		return true
	default:
		return !a.ProvisionalSince.Equal(*b.ProvisionalSince)
	}
}

func outcomeOf(applied bool, userID string) result {
	if applied {
		return result{outcome: entitlement.OutcomeApplied, userID: userID}
	}
	return result{outcome: entitlement.OutcomeIgnored, userID: userID}
}
