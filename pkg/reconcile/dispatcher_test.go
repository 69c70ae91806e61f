package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/billingtest"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/reconcile"
	"github.com/mihaimyh/goentitle/storage/memory"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func header(id, typ string, created time.Time) billing.EventHeader {
	return billing.EventHeader{ID: id, Type: typ, Created: created, Raw: []byte(`{"id":"` + id + `"}`)}
}

func sub(id, status string, opts ...func(*billing.Subscription)) billing.Subscription {
	s := billing.Subscription{
		ID:                 id,
		CustomerID:         "cus_1",
		Status:             status,
		PriceID:            "price_pro_monthly",
		CurrentPeriodStart: base,
		CurrentPeriodEnd:   base.AddDate(0, 1, 0),
		Metadata:           map[string]string{billing.MetadataUserID: "u1"},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func checkout(id string, created time.Time) *billing.CheckoutCompleted {
	return &billing.CheckoutCompleted{
		EventHeader:       header(id, billing.EventCheckoutSessionCompleted, created),
		SessionID:         "cs_" + id,
		Mode:              "subscription",
		CustomerID:        "cus_1",
		SubscriptionID:    "sub_123",
		ClientReferenceID: "u1",
	}
}

func created(id string, t time.Time, s billing.Subscription) *billing.SubscriptionCreated {
	return &billing.SubscriptionCreated{EventHeader: header(id, billing.EventSubscriptionCreated, t), Subscription: s}
}

func updated(id string, t time.Time, s billing.Subscription) *billing.SubscriptionUpdated {
	return &billing.SubscriptionUpdated{EventHeader: header(id, billing.EventSubscriptionUpdated, t), Subscription: s}
}

func deleted(id string, t time.Time, s billing.Subscription) *billing.SubscriptionDeleted {
	return &billing.SubscriptionDeleted{EventHeader: header(id, billing.EventSubscriptionDeleted, t), Subscription: s}
}

func invoice(subscriptionID string) billing.Invoice {
	return billing.Invoice{ID: "in_" + subscriptionID, CustomerID: "cus_1", SubscriptionID: subscriptionID}
}

func paid(id string, t time.Time, inv billing.Invoice) *billing.InvoicePaymentSucceeded {
	return &billing.InvoicePaymentSucceeded{EventHeader: header(id, billing.EventInvoicePaymentSucceeded, t), Invoice: inv}
}

func failed(id string, t time.Time, inv billing.Invoice) *billing.InvoicePaymentFailed {
	return &billing.InvoicePaymentFailed{EventHeader: header(id, billing.EventInvoicePaymentFailed, t), Invoice: inv}
}

type fixture struct {
	store   *memory.Storage
	client  *billingtest.Client
	d       *reconcile.Dispatcher
	alerts  []reconcile.Alert
	changes []reconcile.PlanChange
	mu      sync.Mutex
	now     time.Time
}

func newFixture(t *testing.T, mutate ...func(*reconcile.Config)) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), client: billingtest.NewClient(), now: at(60)}
	config := reconcile.Config{
		Storage:   f.store,
		Client:    f.client,
		Directory: f.store,
		Alerter: reconcile.AlerterFunc(func(_ context.Context, a reconcile.Alert) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.alerts = append(f.alerts, a)
		}),
		OnPlanChange: func(_ context.Context, c reconcile.PlanChange) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.changes = append(f.changes, c)
		},
		Now: func() time.Time { return f.now },
	}
	for _, m := range mutate {
		m(&config)
	}
	d, err := reconcile.New(config)
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) handle(t *testing.T, events ...billing.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, f.d.HandleEvent(context.Background(), e), "event %s", e.Header().ID)
	}
}

func (f *fixture) profile(t *testing.T, userID string) *entitlement.Profile {
	t.Helper()
	p, err := f.store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func (f *fixture) record(t *testing.T, id string) *entitlement.SubscriptionRecord {
	t.Helper()
	rec, err := f.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) alertKinds() []reconcile.AlertKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []reconcile.AlertKind
	for _, a := range f.alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func TestNew_RequiresStorage(t *testing.T) {
	_, err := reconcile.New(reconcile.Config{})
	assert.ErrorIs(t, err, reconcile.ErrNotConfigured)
}

func TestCheckoutCompleted_GrantsProvisionalPro(t *testing.T) {
	f := newFixture(t)
	f.handle(t, checkout("evt_1", at(0)))

	p := f.profile(t, "u1")
	assert.Equal(t, entitlement.PlanPro, p.Plan)
	assert.Equal(t, "cus_1", p.ExternalCustomerID)
	require.True(t, p.Provisional())
	assert.True(t, p.ProvisionalSince.Equal(at(0)))

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeApplied, events[0].Outcome)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, "sub_123", events[0].SubscriptionID)
}

func TestSubscriptionCreated_ConfirmsProvisionalGrant(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		checkout("evt_1", at(0)),
		created("evt_2", at(1), sub("sub_123", "active")),
	)

	p := f.profile(t, "u1")
	assert.Equal(t, entitlement.PlanPro, p.Plan)
	assert.False(t, p.Provisional())

	rec := f.record(t, "sub_123")
	assert.Equal(t, entitlement.StatusActive, rec.Status)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "cus_1", rec.CustomerID)
	assert.True(t, rec.LastEventAt.Equal(at(1)))
}

func TestSubscriptionDeleted_RevokesPro(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "active")),
		deleted("evt_2", at(5), sub("sub_123", "canceled")),
	)

	assert.Equal(t, entitlement.StatusCanceled, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)
}

func TestSubscriptionDeleted_ForcesCanceledStatus(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "active")),
		deleted("evt_2", at(5), sub("sub_123", "active")),
	)
	assert.Equal(t, entitlement.StatusCanceled, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)
}

func TestInvoicePaymentFailed_KeepsPro(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "active")),
		failed("evt_2", at(5), invoice("sub_123")),
	)

	assert.Equal(t, entitlement.StatusPastDue, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
}

func TestInvoicePaymentSucceeded_RecoversPastDue(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "past_due")),
		paid("evt_2", at(5), invoice("sub_123")),
	)
	assert.Equal(t, entitlement.StatusActive, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
}

func TestInvoice_FetchesUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	s := sub("sub_123", "active")
	f.client.AddSubscription(&s)

	f.handle(t, paid("evt_1", at(0), invoice("sub_123")))

	assert.Equal(t, 1, f.client.CallCount("GetSubscription"))
	rec := f.record(t, "sub_123")
	assert.Equal(t, entitlement.StatusActive, rec.Status)
	assert.Equal(t, "price_pro_monthly", rec.PriceID)
	assert.True(t, rec.CurrentPeriodEnd.Equal(s.CurrentPeriodEnd))
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
}

func TestInvoice_UnknownSubscriptionAtProviderIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.handle(t, paid("evt_1", at(0), invoice("sub_missing")))

	_, err := f.store.GetSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)
	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeIgnored, events[0].Outcome)
}

func TestInvoice_WithoutSubscriptionIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.handle(t, paid("evt_1", at(0), billing.Invoice{ID: "in_1", CustomerID: "cus_1"}))

	assert.Zero(t, f.client.CallCount("GetSubscription"))
	assert.Equal(t, entitlement.OutcomeIgnored, f.store.Events()[0].Outcome)
}

func TestDuplicateEvent_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := created("evt_1", at(0), sub("sub_123", "active"))
	f.handle(t, e)
	before := f.record(t, "sub_123")

	f.handle(t, e, e)

	assert.Equal(t, before, f.record(t, "sub_123"))
	assert.Len(t, f.store.Events(), 1)
	assert.Len(t, f.changes, 1)
}

func TestStaleEvent_DoesNotOverwriteNewerState(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		updated("evt_2", at(10), sub("sub_123", "active", func(s *billing.Subscription) { s.CancelAtPeriodEnd = true })),
		updated("evt_1", at(5), sub("sub_123", "past_due")),
	)

	rec := f.record(t, "sub_123")
	assert.Equal(t, entitlement.StatusActive, rec.Status)
	assert.True(t, rec.CancelAtPeriodEnd)
	assert.True(t, rec.LastEventAt.Equal(at(10)))

	events := f.store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, entitlement.OutcomeIgnored, events[1].Outcome)
}

func TestCanceled_IsTerminal(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		deleted("evt_1", at(5), sub("sub_123", "canceled")),
		updated("evt_2", at(10), sub("sub_123", "active")),
		paid("evt_3", at(11), invoice("sub_123")),
	)

	assert.Equal(t, entitlement.StatusCanceled, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)
}

func TestCanceled_AppliesEvenWhenOlder(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		updated("evt_2", at(10), sub("sub_123", "active")),
		deleted("evt_1", at(5), sub("sub_123", "canceled")),
	)
	rec := f.record(t, "sub_123")
	assert.Equal(t, entitlement.StatusCanceled, rec.Status)
	assert.True(t, rec.LastEventAt.Equal(at(10)))
}

func TestPaused_ResumesToPro(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "trialing")),
		updated("evt_2", at(5), sub("sub_123", "paused")),
	)
	assert.Equal(t, entitlement.StatusSuspended, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)

	f.handle(t, updated("evt_3", at(10), sub("sub_123", "active")))
	assert.Equal(t, entitlement.StatusActive, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)

	f.handle(t, paid("evt_4", at(11), invoice("sub_123")))
	assert.Equal(t, entitlement.StatusActive, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
}

func TestUnknownStatus_IsNotTerminal(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "active")),
		updated("evt_2", at(5), sub("sub_123", "some_future_status")),
	)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)

	f.handle(t, paid("evt_3", at(10), invoice("sub_123")))
	assert.Equal(t, entitlement.StatusActive, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
}

func TestIncomplete_WithholdsPro(t *testing.T) {
	f := newFixture(t)
	f.handle(t, created("evt_1", at(0), sub("sub_123", "incomplete")))
	assert.Equal(t, entitlement.StatusIncomplete, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)

	f.handle(t, updated("evt_2", at(5), sub("sub_123", "active")))
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)

	f.handle(t, updated("evt_3", at(10), sub("sub_123", "incomplete")))
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)
}

func TestIncompleteExpired_IsTerminal(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		updated("evt_1", at(0), sub("sub_123", "incomplete_expired")),
		updated("evt_2", at(5), sub("sub_123", "active")),
	)
	assert.Equal(t, entitlement.StatusCanceled, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanFree, f.profile(t, "u1").Plan)
}

func TestLifetime_NeverDowngraded(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.GrantLifetime(context.Background(), "u1")
	require.NoError(t, err)

	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "active")),
		deleted("evt_2", at(5), sub("sub_123", "canceled")),
		checkout("evt_3", at(6)),
	)

	p := f.profile(t, "u1")
	assert.Equal(t, entitlement.PlanLifetime, p.Plan)
	assert.False(t, p.Provisional())
}

func TestCheckoutCompleted_LifetimePayment(t *testing.T) {
	f := newFixture(t)
	e := checkout("evt_1", at(0))
	e.Mode = "payment"
	e.SubscriptionID = ""
	e.Metadata = map[string]string{reconcile.MetadataPlan: "lifetime"}
	f.handle(t, e)

	p := f.profile(t, "u1")
	assert.Equal(t, entitlement.PlanLifetime, p.Plan)
	assert.Equal(t, "cus_1", p.ExternalCustomerID)
}

func TestCheckoutCompleted_PaymentWithoutLifetimeIsIgnored(t *testing.T) {
	f := newFixture(t)
	e := checkout("evt_1", at(0))
	e.Mode = "payment"
	f.handle(t, e)

	_, err := f.store.GetProfile(context.Background(), "u1")
	assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
	assert.Equal(t, entitlement.OutcomeIgnored, f.store.Events()[0].Outcome)
}

func TestCheckoutCompleted_AfterCancellationDoesNotGrant(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		deleted("evt_2", at(5), sub("sub_123", "canceled")),
		checkout("evt_1", at(0)),
	)
	p := f.profile(t, "u1")
	assert.Equal(t, entitlement.PlanFree, p.Plan)
	assert.False(t, p.Provisional())
}

func TestCheckoutCompleted_ConfirmedByExistingRecord(t *testing.T) {
	f := newFixture(t)
	s := sub("sub_123", "active", func(s *billing.Subscription) { s.Metadata = nil })
	f.client.AddCustomer(&billing.Customer{ID: "cus_1", Metadata: map[string]string{billing.MetadataUserID: "u1"}})
	f.handle(t, created("evt_1", at(0), s))

	f.handle(t, checkout("evt_2", at(1)))
	rec := f.record(t, "sub_123")
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, entitlement.StatusActive, rec.Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
	assert.False(t, f.profile(t, "u1").Provisional())
}

func TestProvisionalGrant_SurvivesOlderCancellation(t *testing.T) {
	f := newFixture(t)
	f.handle(t, created("evt_0", at(-60), sub("sub_old", "active")))
	f.handle(t, checkout("evt_1", at(10)))
	// the old subscription's cancellation was emitted before the new checkout
	f.handle(t, deleted("evt_2", at(5), sub("sub_old", "canceled")))

	p := f.profile(t, "u1")
	assert.Equal(t, entitlement.PlanPro, p.Plan)
	assert.True(t, p.Provisional())
}

func TestUnresolvedEvent_NoMutation(t *testing.T) {
	f := newFixture(t)
	s := sub("sub_999", "active", func(s *billing.Subscription) {
		s.Metadata = nil
		s.CustomerID = "cus_unknown"
	})
	e := created("evt_1", at(0), s)

	require.NoError(t, f.d.HandleEvent(context.Background(), e))

	_, err := f.store.GetSubscription(context.Background(), "sub_999")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)
	assert.Empty(t, f.changes)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeUnresolved, events[0].Outcome)
	assert.Equal(t, "cus_unknown", events[0].CustomerID)
	assert.Equal(t, []reconcile.AlertKind{reconcile.AlertUnresolvedIdentity}, f.alertKinds())
}

func TestAmbiguousEmail_IsNotResolved(t *testing.T) {
	f := newFixture(t)
	f.store.SetUser("u1", "shared@example.com")
	f.store.SetUser("u2", "Shared@Example.com")
	f.client.AddCustomer(&billing.Customer{ID: "cus_9", Email: "shared@example.com"})

	s := sub("sub_9", "active", func(s *billing.Subscription) {
		s.Metadata = nil
		s.CustomerID = "cus_9"
	})
	f.handle(t, created("evt_1", at(0), s))

	_, err := f.store.GetSubscription(context.Background(), "sub_9")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)
	assert.Equal(t, []reconcile.AlertKind{reconcile.AlertAmbiguousEmail, reconcile.AlertUnresolvedIdentity}, f.alertKinds())
}

func TestUniqueEmail_Resolves(t *testing.T) {
	f := newFixture(t)
	f.store.SetUser("u7", "solo@example.com")
	f.client.AddCustomer(&billing.Customer{ID: "cus_7", Email: "solo@example.com"})

	s := sub("sub_7", "active", func(s *billing.Subscription) {
		s.Metadata = nil
		s.CustomerID = "cus_7"
	})
	f.handle(t, created("evt_1", at(0), s))

	assert.Equal(t, "u7", f.record(t, "sub_7").UserID)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u7").Plan)
	require.Len(t, f.changes, 1)
	assert.Equal(t, reconcile.MethodEmail, f.changes[0].Method)
}

func TestTransientError_IsReturnedAndNotRecorded(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("provider unavailable")
	f.client.Err["GetCustomer"] = boom

	s := sub("sub_5", "active", func(s *billing.Subscription) {
		s.Metadata = nil
		s.CustomerID = "cus_5"
	})
	e := created("evt_1", at(0), s)

	err := f.d.HandleEvent(context.Background(), e)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.store.Events())

	// redelivery after recovery
	delete(f.client.Err, "GetCustomer")
	f.client.AddCustomer(&billing.Customer{ID: "cus_5", Metadata: map[string]string{billing.MetadataUserID: "u5"}})
	f.handle(t, e)
	assert.Equal(t, "u5", f.record(t, "sub_5").UserID)
	assert.Equal(t, entitlement.OutcomeApplied, f.store.Events()[0].Outcome)
}

func TestHandleEvent_MissingID(t *testing.T) {
	f := newFixture(t)
	err := f.d.HandleEvent(context.Background(), created("", at(0), sub("sub_1", "active")))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestHandleEvent_UnhandledType(t *testing.T) {
	f := newFixture(t)
	f.handle(t, &billing.Unhandled{EventHeader: header("evt_1", "customer.updated", at(0))})

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entitlement.OutcomeIgnored, events[0].Outcome)
}

func TestPlanChange_Callback(t *testing.T) {
	f := newFixture(t)
	f.handle(t,
		created("evt_1", at(0), sub("sub_123", "active")),
		updated("evt_2", at(1), sub("sub_123", "active")),
		deleted("evt_3", at(2), sub("sub_123", "canceled")),
	)

	require.Len(t, f.changes, 2)
	assert.Equal(t, entitlement.PlanFree, f.changes[0].PreviousPlan)
	assert.Equal(t, entitlement.PlanPro, f.changes[0].NewPlan)
	assert.Equal(t, "evt_1", f.changes[0].EventID)
	assert.Equal(t, entitlement.PlanPro, f.changes[1].PreviousPlan)
	assert.Equal(t, entitlement.PlanFree, f.changes[1].NewPlan)
}

// permutations returns every ordering of events.
func permutations(events []billing.Event) [][]billing.Event {
	if len(events) <= 1 {
		return [][]billing.Event{append([]billing.Event(nil), events...)}
	}
	var out [][]billing.Event
	for i := range events {
		rest := make([]billing.Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]billing.Event{events[i]}, p...))
		}
	}
	return out
}

type snapshot struct {
	Plan              entitlement.Plan
	Provisional       bool
	CustomerID        string
	Status            entitlement.SubscriptionStatus
	UserID            string
	PriceID           string
	CancelAtPeriodEnd bool
	LastEventAt       time.Time
}

func TestConvergence_AnyDeliveryOrder(t *testing.T) {
	tests := []struct {
		name     string
		provider billing.Subscription
		events   []billing.Event
		want     snapshot
	}{
		{
			name:     "ends canceled",
			provider: sub("sub_123", "canceled"),
			events: []billing.Event{
				checkout("evt_1", at(0)),
				created("evt_2", at(1), sub("sub_123", "active")),
				paid("evt_3", at(2), invoice("sub_123")),
				updated("evt_4", at(3), sub("sub_123", "active", func(s *billing.Subscription) { s.CancelAtPeriodEnd = true })),
				deleted("evt_5", at(4), sub("sub_123", "canceled", func(s *billing.Subscription) { s.CancelAtPeriodEnd = true })),
			},
			want: snapshot{
				Plan: entitlement.PlanFree, CustomerID: "cus_1",
				Status: entitlement.StatusCanceled, UserID: "u1", PriceID: "price_pro_monthly",
				CancelAtPeriodEnd: true, LastEventAt: at(4),
			},
		},
		{
			name:     "recovers from failed payment",
			provider: sub("sub_123", "active", func(s *billing.Subscription) { s.PriceID = "price_pro_yearly" }),
			events: []billing.Event{
				checkout("evt_1", at(0)),
				created("evt_2", at(1), sub("sub_123", "incomplete")),
				failed("evt_3", at(2), invoice("sub_123")),
				updated("evt_4", at(3), sub("sub_123", "active", func(s *billing.Subscription) { s.PriceID = "price_pro_yearly" })),
			},
			want: snapshot{
				Plan: entitlement.PlanPro, CustomerID: "cus_1",
				Status: entitlement.StatusActive, UserID: "u1", PriceID: "price_pro_yearly",
				LastEventAt: at(3),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := permutations(tt.events)
			for i, order := range orders {
				f := newFixture(t)
				provider := tt.provider
				f.client.AddSubscription(&provider)
				f.handle(t, order...)
				// redelivering everything changes nothing
				f.handle(t, order...)

				p := f.profile(t, "u1")
				rec := f.record(t, "sub_123")
				got := snapshot{
					Plan:              p.Plan,
					Provisional:       p.Provisional(),
					CustomerID:        p.ExternalCustomerID,
					Status:            rec.Status,
					UserID:            rec.UserID,
					PriceID:           rec.PriceID,
					CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
					LastEventAt:       rec.LastEventAt,
				}
				require.Equal(t, tt.want, got, "order #%d: %s", i, orderIDs(order))
				require.Len(t, f.store.Events(), len(tt.events))
			}
		})
	}
}

func orderIDs(events []billing.Event) string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.Header().ID
	}
	return fmt.Sprint(ids)
}

func TestConcurrentDelivery_SameEvent(t *testing.T) {
	f := newFixture(t)
	e := created("evt_1", at(0), sub("sub_123", "active"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.HandleEvent(context.Background(), e))
		}()
	}
	wg.Wait()

	assert.Equal(t, entitlement.StatusActive, f.record(t, "sub_123").Status)
	assert.Equal(t, entitlement.PlanPro, f.profile(t, "u1").Plan)
	assert.Len(t, f.store.Events(), 1)
}
