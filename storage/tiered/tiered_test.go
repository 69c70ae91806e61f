package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/storagetest"
)

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotSync: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})

	t.Run("custom sync buffer size", func(t *testing.T) {
		storage, err := New(Config{
			Hot:            memory.New(),
			Cold:           memory.New(),
			AsyncHotSync:   true,
			SyncBufferSize: 500,
		})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 500, cap(storage.syncQueue))
	})
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) entitlement.Storage {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func setPlan(plan entitlement.Plan) entitlement.ProfileUpdateFunc {
	return func(p *entitlement.Profile) error {
		p.Plan = plan
		return nil
	}
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetProfile_ReadThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("hot hit", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		_, err := hot.UpdateProfile(ctx, "user1", setPlan(entitlement.PlanPro))
		require.NoError(t, err)

		p, err := storage.GetProfile(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanPro, p.Plan)

		// Cold was never written to
		_, err = cold.GetProfile(ctx, "user1")
		assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
	})

	t.Run("hot miss, cold hit (read-through)", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		_, err := cold.UpdateProfile(ctx, "user1", func(p *entitlement.Profile) error {
			p.Plan = entitlement.PlanLifetime
			p.ExternalCustomerID = "cus_1"
			return nil
		})
		require.NoError(t, err)

		p, err := storage.GetProfile(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanLifetime, p.Plan)

		// Hot should now be populated (read-repair)
		hp, err := hot.GetProfile(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.PlanLifetime, hp.Plan)
		assert.Equal(t, "cus_1", hp.ExternalCustomerID)
	})

	t.Run("miss everywhere", func(t *testing.T) {
		storage, _ := New(Config{Hot: memory.New(), Cold: memory.New()})
		defer storage.Close()

		_, err := storage.GetProfile(ctx, "nobody")
		assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
	})
}

func TestStorage_GetSubscription_ReadThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err := cold.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, _ bool) error {
		rec.UserID = "user1"
		rec.Status = entitlement.StatusActive
		rec.CurrentPeriodEnd = end
		return nil
	})
	require.NoError(t, err)

	rec, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, rec.Status)

	hr, err := hot.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, hr.CurrentPeriodEnd.Equal(end))
}

func TestStorage_GetProfileByCustomerID(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	_, err := cold.UpdateProfile(ctx, "user1", func(p *entitlement.Profile) error {
		p.ExternalCustomerID = "cus_1"
		return nil
	})
	require.NoError(t, err)

	p, err := storage.GetProfileByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user1", p.UserID)

	_, err = storage.GetProfileByCustomerID(ctx, "cus_missing")
	assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
}

func TestStorage_HasEvent_HotFirst(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	require.NoError(t, hot.AppendEvent(ctx, &entitlement.EventRecord{EventID: "evt_hot"}))
	require.NoError(t, cold.AppendEvent(ctx, &entitlement.EventRecord{EventID: "evt_cold"}))

	for _, id := range []string{"evt_hot", "evt_cold"} {
		seen, err := storage.HasEvent(ctx, id)
		require.NoError(t, err)
		assert.True(t, seen, id)
	}

	seen, err := storage.HasEvent(ctx, "evt_none")
	require.NoError(t, err)
	assert.False(t, seen)
}

// --- Write-Through Strategy Tests ---

func TestStorage_UpdateProfile_WriteThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	_, err := storage.UpdateProfile(ctx, "user1", setPlan(entitlement.PlanPro))
	require.NoError(t, err)

	cp, err := cold.GetProfile(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPro, cp.Plan)

	hp, err := hot.GetProfile(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPro, hp.Plan)
}

func TestStorage_UpdateProfile_SkipWriteLeavesHot(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	p, err := storage.UpdateProfile(ctx, "user1", func(*entitlement.Profile) error {
		return entitlement.ErrSkipWrite
	})
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, p.Plan)

	_, err = hot.GetProfile(ctx, "user1")
	assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
}

func TestStorage_UpdateProfile_ColdFailure(t *testing.T) {
	ctx := context.Background()
	hot := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: memory.New()})
	defer storage.Close()

	boom := errors.New("boom")
	_, err := storage.UpdateProfile(ctx, "user1", func(*entitlement.Profile) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = hot.GetProfile(ctx, "user1")
	assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
}

func TestStorage_AppendEvent_WriteThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	rec := &entitlement.EventRecord{EventID: "evt_1", Outcome: entitlement.OutcomeApplied}
	require.NoError(t, storage.AppendEvent(ctx, rec))
	assert.ErrorIs(t, storage.AppendEvent(ctx, rec), entitlement.ErrDuplicateEvent)

	seen, err := hot.HasEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

// failingHot rejects every write
type failingHot struct {
	entitlement.Storage
}

func (failingHot) UpdateProfile(context.Context, string, entitlement.ProfileUpdateFunc) (*entitlement.Profile, error) {
	return nil, entitlement.ErrStorageUnavailable
}

func TestStorage_HotFailureIsReported(t *testing.T) {
	ctx := context.Background()
	cold := memory.New()

	var mu sync.Mutex
	var reported []error
	storage, _ := New(Config{
		Hot:  failingHot{Storage: memory.New()},
		Cold: cold,
		ErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	defer storage.Close()

	_, err := storage.UpdateProfile(ctx, "user1", setPlan(entitlement.PlanPro))
	require.NoError(t, err, "cold succeeded so the write succeeds")

	cp, err := cold.GetProfile(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPro, cp.Plan)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], entitlement.ErrStorageUnavailable)
}

// --- Async Strategy Tests ---

func TestStorage_AsyncHotSync(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold, AsyncHotSync: true})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := storage.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, _ bool) error {
			rec.UserID = "user1"
			rec.PriceID += "x"
			return nil
		})
		require.NoError(t, err)
	}

	// Close drains the queue
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Close(), "second close is a no-op")

	hr, err := hot.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxxxx", hr.PriceID)
}

func TestStorage_AsyncQueueFull(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	dropped := 0

	storage := &Storage{
		hot:       memory.New(),
		cold:      memory.New(),
		syncQueue: make(chan func() error, 1),
		shutdown:  make(chan struct{}),
		conf: Config{AsyncHotSync: true, ErrorHandler: func(error) {
			mu.Lock()
			defer mu.Unlock()
			dropped++
		}},
	}
	// no worker: the second refresh cannot be queued

	_, err := storage.UpdateProfile(ctx, "user1", setPlan(entitlement.PlanPro))
	require.NoError(t, err)
	_, err = storage.UpdateProfile(ctx, "user2", setPlan(entitlement.PlanPro))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dropped)
}

// --- Cold-Only Strategy Tests ---

func TestStorage_ListsReadCold(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := hot.UpdateProfile(ctx, "hot_only", func(p *entitlement.Profile) error {
		p.ProvisionalSince = &since
		return nil
	})
	require.NoError(t, err)
	_, err = cold.UpdateProfile(ctx, "cold_only", func(p *entitlement.Profile) error {
		p.ProvisionalSince = &since
		return nil
	})
	require.NoError(t, err)

	got, err := storage.ListProvisionalProfiles(ctx, since.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cold_only", got[0].UserID)

	_, err = cold.UpdateSubscription(ctx, "sub_1", func(rec *entitlement.SubscriptionRecord, _ bool) error {
		rec.UserID = "cold_only"
		return nil
	})
	require.NoError(t, err)

	subs, err := storage.ListSubscriptionsByUser(ctx, "cold_only")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].ID)
}
