package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Feature names a gated action whose free-plan usage is limited.
type Feature string

const (
	// FeatureLegacyNotes gates creation of legacy notes
	FeatureLegacyNotes Feature = "legacy_notes"
)

// UnlimitedLimit is reported as Decision.Limit for plans without per-feature limits.
const UnlimitedLimit = -1

// DefaultFreeLimits are the free-plan limits used when GateConfig.FreeLimits is nil.
var DefaultFreeLimits = map[Feature]int{
	FeatureLegacyNotes: 3,
}

// Decision is the answer of the entitlement gate.
type Decision struct {
	Allowed bool
	Current int
	Limit   int
	Plan    Plan
}

// LegacyNoteDecision is the UI-facing answer for legacy note creation.
type LegacyNoteDecision struct {
	CanCreate bool
	Current   int
	Limit     int
	Message   string
}

// StatusView summarizes a user's subscription state for display.
type StatusView struct {
	Plan              Plan
	Status            SubscriptionStatus
	IsActive          bool
	EndsAt            *time.Time
	CancelAtPeriodEnd bool
	Provisional       bool
}

// FeatureChecker is the part of Gate used by the HTTP middlewares.
type FeatureChecker interface {
	CanPerform(ctx context.Context, userID string, feature Feature) (Decision, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	Storage Storage
	Counter Counter

	// FreeLimits maps features to their free-plan limit.
	// Defaults to DefaultFreeLimits.
	FreeLimits map[Feature]int

	Logger  Logger
	Metrics Metrics
}

// Gate answers read-only entitlement questions from the profile store.
// It never writes.
type Gate struct {
	storage    Storage
	counter    Counter
	freeLimits map[Feature]int
	logger     Logger
	metrics    Metrics
}

// NewGate creates a Gate.
func NewGate(config GateConfig) (*Gate, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrStorageUnavailable)
	}
	if config.Counter == nil {
		return nil, errors.New("counter is required")
	}

	limits := config.FreeLimits
	if limits == nil {
		limits = DefaultFreeLimits
	}
	copied := make(map[Feature]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Gate{
		storage:    config.Storage,
		counter:    config.Counter,
		freeLimits: copied,
		logger:     loggerOrNoop(config.Logger),
		metrics:    metrics,
	}, nil
}

// CanPerform reports whether userID may perform feature. Errors always come
// with a denying decision.
func (g *Gate) CanPerform(ctx context.Context, userID string, feature Feature) (Decision, error) {
	if userID == "" {
		return Decision{}, ErrInvalidUserID
	}

	plan, err := g.planFor(ctx, userID)
	if err != nil {
		return g.deny(feature, err)
	}

	if plan.Unlimited() {
		g.metrics.RecordGateDecision(string(feature), plan, true)
		return Decision{Allowed: true, Limit: UnlimitedLimit, Plan: plan}, nil
	}

	limit, ok := g.freeLimits[feature]
	if !ok {
		return g.deny(feature, fmt.Errorf("%w: %s", ErrUnknownFeature, feature))
	}

	current, err := g.counter.Count(ctx, userID, feature)
	if err != nil {
		g.logger.Error("Failed to count resources; denying",
			Field{"user_id", userID}, Field{"feature", string(feature)}, ErrField(err))
		return g.deny(feature, fmt.Errorf("count %s: %w", feature, err))
	}

	allowed := current < limit
	g.metrics.RecordGateDecision(string(feature), plan, allowed)
	return Decision{Allowed: allowed, Current: current, Limit: limit, Plan: plan}, nil
}

// CanCreateLegacyNote is CanPerform for FeatureLegacyNotes with a user-facing message.
func (g *Gate) CanCreateLegacyNote(ctx context.Context, userID string) (LegacyNoteDecision, error) {
	d, err := g.CanPerform(ctx, userID, FeatureLegacyNotes)
	out := LegacyNoteDecision{CanCreate: d.Allowed, Current: d.Current, Limit: d.Limit}
	switch {
	case err != nil:
		out.Message = "Unable to verify your plan right now. Please try again."
	case !d.Allowed:
		out.Message = fmt.Sprintf(
			"Free plan allows up to %d legacy notes. Upgrade to Pro for unlimited notes.", d.Limit)
	}
	return out, err
}

// Status returns the display summary of a user's subscription state.
func (g *Gate) Status(ctx context.Context, userID string) (StatusView, error) {
	if userID == "" {
		return StatusView{}, ErrInvalidUserID
	}

	profile, err := g.storage.GetProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return StatusView{Plan: PlanFree}, nil
	}
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{
		Plan:        profile.Plan,
		IsActive:    profile.Plan.Unlimited(),
		Provisional: profile.Provisional(),
	}
	if profile.Plan == PlanLifetime {
		view.Status = StatusActive
		return view, nil
	}

	subs, err := g.storage.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return StatusView{}, err
	}
	if best := BestSubscription(subs); best != nil {
		view.Status = best.Status
		view.CancelAtPeriodEnd = best.CancelAtPeriodEnd
		if !best.CurrentPeriodEnd.IsZero() {
			end := best.CurrentPeriodEnd
			view.EndsAt = &end
		}
	} else if profile.Provisional() {
		view.Status = StatusActive
	}
	return view, nil
}

func (g *Gate) planFor(ctx context.Context, userID string) (Plan, error) {
	start := time.Now()
	profile, err := g.storage.GetProfile(ctx, userID)
	g.metrics.RecordStorageOperation("get_profile", time.Since(start), ignoreNotFound(err))
	if errors.Is(err, ErrProfileNotFound) {
		return PlanFree, nil
	}
	if err != nil {
		return "", err
	}
	if !profile.Plan.Valid() {
		return PlanFree, nil
	}
	return profile.Plan, nil
}

func (g *Gate) deny(feature Feature, err error) (Decision, error) {
	g.metrics.RecordGateError(string(feature))
	return Decision{Allowed: false, Limit: 0}, err
}

var _ FeatureChecker = (*Gate)(nil)

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrProfileNotFound) {
		return nil
	}
	return err
}

// BestSubscription picks the record that should drive a user's plan: live
// beats past_due beats everything else, then the latest period end wins.
func BestSubscription(subs []*SubscriptionRecord) *SubscriptionRecord {
	if len(subs) == 0 {
		return nil
	}
	sorted := make([]*SubscriptionRecord, len(subs))
	copy(sorted, subs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := statusRank(sorted[i].Status), statusRank(sorted[j].Status)
		if ri != rj {
			return ri > rj
		}
		return sorted[i].CurrentPeriodEnd.After(sorted[j].CurrentPeriodEnd)
	})
	return sorted[0]
}

func statusRank(s SubscriptionStatus) int {
	switch {
	case s.Live():
		return 2
	case s == StatusPastDue:
		return 1
	default:
		return 0
	}
}
