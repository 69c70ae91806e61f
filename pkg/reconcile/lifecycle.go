package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Synthetic event types used for operations that do not come from a webhook.
const (
	EventTypeLifetimeGrant    = "manual.lifetime_grant"
	EventTypeSync             = "manual.sync"
	EventTypeProvisionalSweep = "manual.provisional_expired"
)

// GrantLifetime moves a user to the lifetime plan. Subscription events never
// downgrade a lifetime profile afterwards.
func (d *Dispatcher) GrantLifetime(ctx context.Context, userID string) (*entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}
	h := billing.EventHeader{ID: EventTypeLifetimeGrant + ":" + userID, Type: EventTypeLifetimeGrant, Created: d.now()}
	p, err := d.updateProfile(ctx, userID, h, MethodNone, func(p *entitlement.Profile) {
		p.Plan = entitlement.PlanLifetime
		p.ProvisionalSince = nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SyncUser pulls the user's subscriptions from the provider and converges
// records and plan to them. Used for "restore purchases", nightly jobs and
// expiring optimistic grants.
func (d *Dispatcher) SyncUser(ctx context.Context, userID string) (entitlement.Plan, error) {
	if userID == "" {
		return "", entitlement.ErrInvalidUserID
	}
	if d.client == nil {
		return "", fmt.Errorf("%w: billing client is required for sync", ErrNotConfigured)
	}

	start := time.Now()
	plan, err := d.syncUser(ctx, userID)
	status := "success"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordUserSync(d.provider, status)
	d.metrics.RecordUserSyncDuration(d.provider, time.Since(start))
	return plan, err
}

func (d *Dispatcher) syncUser(ctx context.Context, userID string) (entitlement.Plan, error) {
	h := billing.EventHeader{ID: EventTypeSync + ":" + userID, Type: EventTypeSync, Created: d.now()}

	profile, err := d.storage.GetProfile(ctx, userID)
	if errors.Is(err, entitlement.ErrProfileNotFound) {
		return entitlement.PlanFree, nil
	}
	if err != nil {
		return "", err
	}

	if profile.ExternalCustomerID == "" {
		profile, err = d.relinkCustomer(ctx, profile)
		if err != nil {
			return "", err
		}
	}
	if profile.ExternalCustomerID == "" {
		// nothing at the provider can confirm an optimistic grant
		if !profile.Provisional() {
			return profile.Plan, nil
		}
		p, err := d.settleProvisional(ctx, userID, d.now().Add(time.Nanosecond))
		if err != nil {
			return "", err
		}
		return p.Plan, nil
	}

	subs, err := d.client.ListSubscriptions(ctx, profile.ExternalCustomerID)
	if err != nil {
		return "", fmt.Errorf("list subscriptions for customer %s: %w", profile.ExternalCustomerID, err)
	}

	for _, sub := range subs {
		if owner := sub.UserID(); owner != "" && owner != userID {
			d.logger.Warn("Skipping subscription owned by another user",
				entitlement.Field{Key: "subscription_id", Value: sub.ID},
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "owner", Value: owner})
			continue
		}
		status := entitlement.NormalizeStatus(sub.Status)
		if _, err := d.writeSubscription(ctx, h, sub.ID, patchFromSubscription(userID, sub, status)); err != nil {
			return "", err
		}
	}

	if err := d.recomputePlan(ctx, userID, profile.ExternalCustomerID, h, MethodProfileLink, true); err != nil {
		return "", err
	}

	updated, err := d.storage.GetProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return updated.Plan, nil
}

// relinkCustomer restores a missing profile link from a provider customer
// tagged with the user id. The profile is returned unchanged when there is none.
func (d *Dispatcher) relinkCustomer(ctx context.Context, profile *entitlement.Profile) (*entitlement.Profile, error) {
	cust, err := d.client.FindCustomerByUserID(ctx, profile.UserID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		return profile, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find customer for %s: %w", profile.UserID, err)
	}

	h := billing.EventHeader{ID: EventTypeSync + ":" + profile.UserID, Type: EventTypeSync, Created: d.now()}
	p, err := d.updateProfile(ctx, profile.UserID, h, MethodCustomerMetadata, func(p *entitlement.Profile) {
		linkCustomer(p, cust.ID)
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("Customer link restored from provider",
		entitlement.Field{Key: "user_id", Value: p.UserID},
		entitlement.Field{Key: "customer_id", Value: p.ExternalCustomerID})
	return p, nil
}

// ExpireProvisional settles optimistic grants older than olderThan (the
// configured ProvisionalTTL when zero). Profiles with a customer link are
// synced from the provider; the rest fall back to their stored records,
// which usually means free. Returns how many profiles ended up on the free
// plan.
func (d *Dispatcher) ExpireProvisional(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = d.provisionalTTL
	}
	cutoff := d.now().Add(-olderThan)

	profiles, err := d.storage.ListProvisionalProfiles(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list provisional profiles: %w", err)
	}

	var errs []error
	expired := 0
	for _, profile := range profiles {
		if profile.ExternalCustomerID != "" && d.client != nil {
			plan, err := d.SyncUser(ctx, profile.UserID)
			if err != nil {
				errs = append(errs, fmt.Errorf("sync %s: %w", profile.UserID, err))
				continue
			}
			if plan == entitlement.PlanFree {
				expired++
			}
			continue
		}

		p, err := d.settleProvisional(ctx, profile.UserID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if p.Plan == entitlement.PlanFree {
			expired++
		}
	}

	if expired > 0 {
		d.logger.Info("Expired provisional grants",
			entitlement.Field{Key: "count", Value: expired},
			entitlement.Field{Key: "cutoff", Value: cutoff})
	}
	return expired, errors.Join(errs...)
}

// settleProvisional replaces a grant older than cutoff with the plan the
// stored records support. Grants renewed after cutoff are left alone.
func (d *Dispatcher) settleProvisional(ctx context.Context, userID string, cutoff time.Time) (*entitlement.Profile, error) {
	subs, err := d.storage.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	best := entitlement.BestSubscription(subs)

	h := billing.EventHeader{
		ID:      EventTypeProvisionalSweep + ":" + userID,
		Type:    EventTypeProvisionalSweep,
		Created: d.now(),
	}
	return d.updateProfile(ctx, userID, h, MethodNone, func(p *entitlement.Profile) {
		if !p.Provisional() || !p.ProvisionalSince.Before(cutoff) {
			return
		}
		p.ProvisionalSince = nil
		switch {
		case p.Plan == entitlement.PlanLifetime:
		case best != nil && best.Status.Entitling():
			p.Plan = entitlement.PlanPro
		default:
			p.Plan = entitlement.PlanFree
		}
	})
}
