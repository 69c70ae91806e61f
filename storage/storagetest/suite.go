// Package storagetest holds behavior tests shared by every
// entitlement.Storage implementation.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Factory returns an empty storage for one subtest.
type Factory func(t *testing.T) entitlement.Storage

// Run exercises the Storage contract against storages built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("ProfileLazyCreate", func(t *testing.T) { testProfileLazyCreate(t, newStorage(t)) })
	t.Run("ProfileUpdateErrors", func(t *testing.T) { testProfileUpdateErrors(t, newStorage(t)) })
	t.Run("ProvisionalProfiles", func(t *testing.T) { testProvisionalProfiles(t, newStorage(t)) })
	t.Run("SubscriptionUpsert", func(t *testing.T) { testSubscriptionUpsert(t, newStorage(t)) })
	t.Run("SubscriptionsByUser", func(t *testing.T) { testSubscriptionsByUser(t, newStorage(t)) })
	t.Run("EventLedger", func(t *testing.T) { testEventLedger(t, newStorage(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStorage(t)) })
}

func testProfileLazyCreate(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "user1"); !errors.Is(err, entitlement.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	p, err := s.UpdateProfile(ctx, "user1", func(p *entitlement.Profile) error {
		if p.Plan != entitlement.PlanFree {
			t.Errorf("new profile plan = %s, want free", p.Plan)
		}
		p.ExternalCustomerID = "cus_1"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if p.UserID != "user1" || p.ExternalCustomerID != "cus_1" {
		t.Errorf("unexpected profile: %+v", p)
	}

	stored, err := s.GetProfile(ctx, "user1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if stored.Plan != entitlement.PlanFree || stored.ExternalCustomerID != "cus_1" || stored.Provisional() {
		t.Errorf("unexpected stored profile: %+v", stored)
	}

	byCustomer, err := s.GetProfileByCustomerID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetProfileByCustomerID failed: %v", err)
	}
	if byCustomer.UserID != "user1" {
		t.Errorf("UserID = %s, want user1", byCustomer.UserID)
	}
	if _, err := s.GetProfileByCustomerID(ctx, "cus_unknown"); !errors.Is(err, entitlement.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound for unknown customer, got %v", err)
	}
	if _, err := s.GetProfileByCustomerID(ctx, ""); !errors.Is(err, entitlement.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound for empty customer, got %v", err)
	}
}

func testProfileUpdateErrors(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()

	if _, err := s.UpdateProfile(ctx, "", func(*entitlement.Profile) error { return nil }); !errors.Is(err, entitlement.ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}

	boom := errors.New("boom")
	if _, err := s.UpdateProfile(ctx, "user1", func(p *entitlement.Profile) error {
		p.Plan = entitlement.PlanPro
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
	if _, err := s.GetProfile(ctx, "user1"); !errors.Is(err, entitlement.ErrProfileNotFound) {
		t.Errorf("aborted update must not create a profile, got %v", err)
	}

	if _, err := s.UpdateProfile(ctx, "user1", func(p *entitlement.Profile) error {
		p.Plan = entitlement.PlanPro
		return nil
	}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	skipped, err := s.UpdateProfile(ctx, "user1", func(p *entitlement.Profile) error {
		p.Plan = entitlement.PlanFree
		return entitlement.ErrSkipWrite
	})
	if err != nil {
		t.Fatalf("ErrSkipWrite must not surface, got %v", err)
	}
	if skipped == nil {
		t.Fatal("expected a profile from a skipped write")
	}
	stored, err := s.GetProfile(ctx, "user1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if stored.Plan != entitlement.PlanPro {
		t.Errorf("skipped write changed plan to %s", stored.Plan)
	}
}

func testProvisionalProfiles(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		since := base.Add(time.Duration(i) * 2 * time.Hour)
		if _, err := s.UpdateProfile(ctx, id, func(p *entitlement.Profile) error {
			p.Plan = entitlement.PlanPro
			p.ProvisionalSince = &since
			return nil
		}); err != nil {
			t.Fatalf("UpdateProfile failed: %v", err)
		}
	}
	if _, err := s.UpdateProfile(ctx, "confirmed", func(p *entitlement.Profile) error {
		p.Plan = entitlement.PlanPro
		return nil
	}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	got, err := s.ListProvisionalProfiles(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListProvisionalProfiles failed: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "old" {
		t.Fatalf("expected only the old grant, got %+v", got)
	}
	if got[0].ProvisionalSince == nil || !got[0].ProvisionalSince.Equal(base) {
		t.Errorf("ProvisionalSince = %v, want %v", got[0].ProvisionalSince, base)
	}
}

func testSubscriptionUpsert(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()
	end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	eventAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.GetSubscription(ctx, "sub_1"); !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	rec, err := s.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, exists bool) error {
		if exists {
			t.Error("first upsert reported exists=true")
		}
		rec.UserID = "user1"
		rec.CustomerID = "cus_1"
		rec.Status = entitlement.StatusActive
		rec.PriceID = "price_pro"
		rec.CurrentPeriodEnd = end
		rec.LastEventAt = eventAt
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	if rec.ID != "sub_1" {
		t.Errorf("ID = %s, want sub_1", rec.ID)
	}

	if _, err := s.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, exists bool) error {
		if !exists {
			t.Error("second upsert reported exists=false")
		}
		if rec.UserID != "user1" {
			t.Errorf("second upsert saw UserID %q", rec.UserID)
		}
		rec.Status = entitlement.StatusCanceled
		rec.CancelAtPeriodEnd = true
		return nil
	}); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}

	if _, err := s.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, _ bool) error {
		rec.Status = entitlement.StatusActive
		return entitlement.ErrSkipWrite
	}); err != nil {
		t.Fatalf("ErrSkipWrite must not surface, got %v", err)
	}

	stored, err := s.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if stored.Status != entitlement.StatusCanceled || !stored.CancelAtPeriodEnd {
		t.Errorf("unexpected status: %+v", stored)
	}
	if stored.CustomerID != "cus_1" || stored.PriceID != "price_pro" {
		t.Errorf("fields lost across updates: %+v", stored)
	}
	if !stored.CurrentPeriodEnd.Equal(end) || !stored.LastEventAt.Equal(eventAt) {
		t.Errorf("times not preserved: end=%v last=%v", stored.CurrentPeriodEnd, stored.LastEventAt)
	}
	if !stored.CurrentPeriodStart.IsZero() {
		t.Errorf("unset period start should be zero, got %v", stored.CurrentPeriodStart)
	}

	if _, err := s.UpdateSubscription(ctx, "", func(*entitlement.SubscriptionRecord, bool) error { return nil }); err == nil {
		t.Error("expected error for empty subscription id")
	}
}

func testSubscriptionsByUser(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"sub_a", "sub_b", "sub_c"} {
		owner := "user1"
		if id == "sub_c" {
			owner = "user2"
		}
		end := base.AddDate(0, i, 0)
		if _, err := s.UpdateSubscription(ctx, id, func(rec *entitlement.SubscriptionRecord, _ bool) error {
			rec.UserID = owner
			rec.Status = entitlement.StatusActive
			rec.CurrentPeriodEnd = end
			return nil
		}); err != nil {
			t.Fatalf("UpdateSubscription failed: %v", err)
		}
	}

	subs, err := s.ListSubscriptionsByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("ListSubscriptionsByUser failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(subs))
	}
	if subs[0].ID != "sub_b" || subs[1].ID != "sub_a" {
		t.Errorf("expected newest period first, got %s, %s", subs[0].ID, subs[1].ID)
	}

	none, err := s.ListSubscriptionsByUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListSubscriptionsByUser failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no records, got %d", len(none))
	}
}

func testEventLedger(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()

	seen, err := s.HasEvent(ctx, "evt_1")
	if err != nil || seen {
		t.Fatalf("HasEvent on empty ledger = %v, %v", seen, err)
	}

	rec := &entitlement.EventRecord{
		EventID:        "evt_1",
		EventType:      "customer.subscription.updated",
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
		UserID:         "user1",
		Outcome:        entitlement.OutcomeApplied,
		RawPayload:     []byte(`{"id":"evt_1"}`),
	}
	if err := s.AppendEvent(ctx, rec); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := s.AppendEvent(ctx, rec); !errors.Is(err, entitlement.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}

	seen, err = s.HasEvent(ctx, "evt_1")
	if err != nil || !seen {
		t.Errorf("HasEvent after append = %v, %v", seen, err)
	}

	if err := s.AppendEvent(ctx, &entitlement.EventRecord{}); err == nil {
		t.Error("expected error for event without id")
	}
}

func testConcurrentUpdates(t *testing.T, s entitlement.Storage) {
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, _ bool) error {
				rec.PriceID += "x"
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}
	}

	rec, err := s.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if rec.PriceID != strings.Repeat("x", workers) {
		t.Errorf("lost updates: PriceID has %d of %d writes", len(rec.PriceID), workers)
	}
}
