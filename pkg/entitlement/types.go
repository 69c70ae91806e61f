package entitlement

import "time"

// Plan is the entitlement summary cached on a user's profile.
type Plan string

const (
	// PlanFree is the default plan for every user
	PlanFree Plan = "free"
	// PlanPro is granted by a recurring subscription
	PlanPro Plan = "pro"
	// PlanLifetime is granted once and has no recurring subscription
	PlanLifetime Plan = "lifetime"
)

// Unlimited reports whether the plan lifts all per-feature limits.
func (p Plan) Unlimited() bool {
	return p == PlanPro || p == PlanLifetime
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanLifetime:
		return true
	}
	return false
}

// SubscriptionStatus mirrors the lifecycle of an external subscription.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusSuspended  SubscriptionStatus = "suspended"
	StatusCanceled   SubscriptionStatus = "canceled"
)

// Live reports whether the subscription currently grants access on its own.
func (s SubscriptionStatus) Live() bool {
	return s == StatusActive || s == StatusTrialing
}

// Entitling reports whether the subscription is still counted toward a paid plan.
// past_due keeps access while the provider retries the payment.
func (s SubscriptionStatus) Entitling() bool {
	return s.Live() || s == StatusPastDue
}

// Terminal reports whether the subscription has ended for good. incomplete
// and suspended withhold access but may still become active.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled
}

// NormalizeStatus maps a provider status string onto the tracked states.
// Only an explicit end maps to canceled. Unknown values map to suspended,
// which grants nothing and can still be replaced by a later event.
func NormalizeStatus(raw string) SubscriptionStatus {
	switch raw {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "incomplete":
		return StatusIncomplete
	case "canceled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusSuspended
	}
}

// Profile is the per-user entitlement summary (the account profile).
type Profile struct {
	UserID             string
	Plan               Plan
	ExternalCustomerID string

	// ProvisionalSince is set while Plan is an optimistic grant that no
	// subscription record has confirmed yet.
	ProvisionalSince *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Provisional reports whether the profile holds an unconfirmed optimistic grant.
func (p *Profile) Provisional() bool {
	return p != nil && p.ProvisionalSince != nil
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.ProvisionalSince != nil {
		t := *p.ProvisionalSince
		c.ProvisionalSince = &t
	}
	return &c
}

// SubscriptionRecord mirrors one external subscription, keyed by its external id.
type SubscriptionRecord struct {
	ID                 string
	UserID             string
	CustomerID         string
	Status             SubscriptionStatus
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool

	// LastEventAt is the creation time of the newest provider event applied to
	// this record. Older events are treated as stale.
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy of the record.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// EventOutcome records what the dispatcher did with a provider event.
type EventOutcome string

const (
	OutcomeApplied    EventOutcome = "applied"
	OutcomeIgnored    EventOutcome = "ignored"
	OutcomeUnresolved EventOutcome = "unresolved"
)

// EventRecord is one entry of the append-only event ledger.
type EventRecord struct {
	EventID        string
	EventType      string
	SubscriptionID string
	CustomerID     string
	UserID         string
	Outcome        EventOutcome
	RawPayload     []byte
	ReceivedAt     time.Time
}
