// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage, entitlement.Directory and
// entitlement.Counter using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	profiles      map[string]*entitlement.Profile
	subscriptions map[string]*entitlement.SubscriptionRecord
	events        map[string]*entitlement.EventRecord
	eventOrder    []string

	emails map[string]string // userID -> email
	counts map[string]int    // userID|feature -> count

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles:      make(map[string]*entitlement.Profile),
		subscriptions: make(map[string]*entitlement.SubscriptionRecord),
		events:        make(map[string]*entitlement.EventRecord),
		emails:        make(map[string]string),
		counts:        make(map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetProfile implements entitlement.Storage
func (s *Storage) GetProfile(_ context.Context, userID string) (*entitlement.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, entitlement.ErrProfileNotFound
	}
	return p.Clone(), nil
}

// GetProfileByCustomerID implements entitlement.Storage
func (s *Storage) GetProfileByCustomerID(_ context.Context, customerID string) (*entitlement.Profile, error) {
	if customerID == "" {
		return nil, entitlement.ErrProfileNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.profiles {
		if p.ExternalCustomerID == customerID {
			return p.Clone(), nil
		}
	}
	return nil, entitlement.ErrProfileNotFound
}

// UpdateProfile implements entitlement.Storage
func (s *Storage) UpdateProfile(
	_ context.Context, userID string, fn entitlement.ProfileUpdateFunc,
) (*entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.profiles[userID]
	var working *entitlement.Profile
	if ok {
		working = current.Clone()
	} else {
		working = &entitlement.Profile{UserID: userID, Plan: entitlement.PlanFree, CreatedAt: now}
	}

	if err := fn(working); err != nil {
		if errors.Is(err, entitlement.ErrSkipWrite) {
			return working, nil
		}
		return nil, err
	}

	working.UserID = userID
	working.UpdatedAt = now
	s.profiles[userID] = working.Clone()
	return working, nil
}

// ListProvisionalProfiles implements entitlement.Storage
func (s *Storage) ListProvisionalProfiles(_ context.Context, before time.Time) ([]*entitlement.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.Profile
	for _, p := range s.profiles {
		if p.ProvisionalSince != nil && p.ProvisionalSince.Before(before) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// GetSubscription implements entitlement.Storage
func (s *Storage) GetSubscription(_ context.Context, subscriptionID string) (*entitlement.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	return rec.Clone(), nil
}

// UpdateSubscription implements entitlement.Storage
func (s *Storage) UpdateSubscription(
	_ context.Context, subscriptionID string, fn entitlement.SubscriptionUpdateFunc,
) (*entitlement.SubscriptionRecord, error) {
	if subscriptionID == "" {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, exists := s.subscriptions[subscriptionID]
	var working *entitlement.SubscriptionRecord
	if exists {
		working = current.Clone()
	} else {
		working = &entitlement.SubscriptionRecord{ID: subscriptionID, CreatedAt: now}
	}

	if err := fn(working, exists); err != nil {
		if errors.Is(err, entitlement.ErrSkipWrite) {
			return working, nil
		}
		return nil, err
	}

	working.ID = subscriptionID
	working.UpdatedAt = now
	s.subscriptions[subscriptionID] = working.Clone()
	return working, nil
}

// ListSubscriptionsByUser implements entitlement.Storage
func (s *Storage) ListSubscriptionsByUser(_ context.Context, userID string) ([]*entitlement.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlement.SubscriptionRecord
	for _, rec := range s.subscriptions {
		if rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.After(out[j].CurrentPeriodEnd)
	})
	return out, nil
}

// HasEvent implements entitlement.Storage
func (s *Storage) HasEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// AppendEvent implements entitlement.Storage
func (s *Storage) AppendEvent(_ context.Context, rec *entitlement.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return errors.New("invalid event record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[rec.EventID]; ok {
		return entitlement.ErrDuplicateEvent
	}
	cp := *rec
	cp.RawPayload = append([]byte(nil), rec.RawPayload...)
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = s.now()
	}
	s.events[rec.EventID] = &cp
	s.eventOrder = append(s.eventOrder, rec.EventID)
	return nil
}

// Events returns the ledger in append order.
func (s *Storage) Events() []*entitlement.EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlement.EventRecord, 0, len(s.eventOrder))
	for _, id := range s.eventOrder {
		cp := *s.events[id]
		out = append(out, &cp)
	}
	return out
}

// SetUser registers a user's email for the Directory implementation.
func (s *Storage) SetUser(userID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[userID] = email
}

// Email implements entitlement.Directory
func (s *Storage) Email(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emails[userID], nil
}

// FindUserIDsByEmail implements entitlement.Directory with a linear scan.
func (s *Storage) FindUserIDsByEmail(_ context.Context, email string) ([]string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, e := range s.emails {
		if strings.EqualFold(e, email) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SetCount sets the number of resources a user owns for a feature.
func (s *Storage) SetCount(userID string, feature entitlement.Feature, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[countKey(userID, feature)] = n
}

// Count implements entitlement.Counter
func (s *Storage) Count(_ context.Context, userID string, feature entitlement.Feature) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[countKey(userID, feature)], nil
}

func countKey(userID string, feature entitlement.Feature) string {
	return userID + "|" + string(feature)
}
