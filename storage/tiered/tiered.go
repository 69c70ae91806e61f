// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold).
//
// Cold is the source of truth. Point reads are served read-through from Hot,
// writes land in Cold first and then refresh Hot, and list queries always go
// to Cold because Hot may hold only part of the data.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot entitlement.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold entitlement.Storage

	// AsyncHotSync refreshes Hot from a background worker after Cold writes.
	// If false, Hot is refreshed before the write returns.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// ErrorHandler is called when a Hot refresh fails.
	// Essential for monitoring consistency drift.
	ErrorHandler func(error)
}

// Storage implements entitlement.Storage over two backends.
// - Read-Through: GetProfile, GetProfileByCustomerID, GetSubscription, HasEvent (Hot → Cold)
// - Write-Through: UpdateProfile, UpdateSubscription, AppendEvent (Cold → Hot)
// - Cold-Only: ListProvisionalProfiles, ListSubscriptionsByUser
type Storage struct {
	hot  entitlement.Storage
	cold entitlement.Storage
	conf Config

	// collapses concurrent Cold reads for the same key
	group singleflight.Group

	// orders Cold write and Hot refresh per key
	stripes [64]sync.Mutex

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ entitlement.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so refreshes for one key apply in write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	mu.Lock()
	return mu.Unlock
}

func (s *Storage) reportError(err error) {
	if s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(err)
	}
}

// refreshHot runs job now or on the worker, depending on AsyncHotSync.
func (s *Storage) refreshHot(ctx context.Context, job func(ctx context.Context) error) {
	if !s.conf.AsyncHotSync {
		if err := job(ctx); err != nil {
			s.reportError(fmt.Errorf("tiered storage: hot refresh failed: %w", err))
		}
		return
	}

	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return job(context.Background())
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot refresh"))
	}
}

func (s *Storage) putHotProfile(p *entitlement.Profile) func(ctx context.Context) error {
	snapshot := p.Clone()
	return func(ctx context.Context) error {
		_, err := s.hot.UpdateProfile(ctx, snapshot.UserID, func(cur *entitlement.Profile) error {
			*cur = *snapshot.Clone()
			return nil
		})
		return err
	}
}

func (s *Storage) putHotSubscription(r *entitlement.SubscriptionRecord) func(ctx context.Context) error {
	snapshot := r.Clone()
	return func(ctx context.Context) error {
		_, err := s.hot.UpdateSubscription(ctx, snapshot.ID, func(cur *entitlement.SubscriptionRecord, _ bool) error {
			*cur = *snapshot.Clone()
			return nil
		})
		return err
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetProfile implements entitlement.Storage with read-through strategy.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlement.Profile, error) {
	// 1. Try Hot
	if p, err := s.hot.GetProfile(ctx, userID); err == nil {
		return p, nil
	}

	// 2. Try Cold (Source of Truth)
	v, err, _ := s.group.Do("profile:"+userID, func() (interface{}, error) {
		defer s.lock("profile:" + userID)()
		p, err := s.cold.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		// 3. Populate Hot (Read-Repair)
		// Cache fill errors are non-critical
		_ = s.putHotProfile(p)(ctx) //nolint:errcheck // Cache fill
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entitlement.Profile).Clone(), nil
}

// GetProfileByCustomerID implements entitlement.Storage with read-through strategy.
func (s *Storage) GetProfileByCustomerID(ctx context.Context, customerID string) (*entitlement.Profile, error) {
	if p, err := s.hot.GetProfileByCustomerID(ctx, customerID); err == nil {
		return p, nil
	}

	// no fill here: the profile lock is keyed by user, unknown until Cold answers
	v, err, _ := s.group.Do("customer:"+customerID, func() (interface{}, error) {
		return s.cold.GetProfileByCustomerID(ctx, customerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entitlement.Profile).Clone(), nil
}

// GetSubscription implements entitlement.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.SubscriptionRecord, error) {
	if r, err := s.hot.GetSubscription(ctx, subscriptionID); err == nil {
		return r, nil
	}

	v, err, _ := s.group.Do("sub:"+subscriptionID, func() (interface{}, error) {
		defer s.lock("sub:" + subscriptionID)()
		r, err := s.cold.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		_ = s.putHotSubscription(r)(ctx) //nolint:errcheck // Cache fill
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entitlement.SubscriptionRecord).Clone(), nil
}

// HasEvent implements entitlement.Storage with read-through strategy.
// Hot is checked first so a duplicate delivery is caught during async sync lag.
func (s *Storage) HasEvent(ctx context.Context, eventID string) (bool, error) {
	if seen, err := s.hot.HasEvent(ctx, eventID); err == nil && seen {
		return true, nil
	}
	return s.cold.HasEvent(ctx, eventID)
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Entitlement data must be durable first.

// UpdateProfile implements entitlement.Storage with write-through strategy.
func (s *Storage) UpdateProfile(
	ctx context.Context, userID string, fn entitlement.ProfileUpdateFunc,
) (*entitlement.Profile, error) {
	defer s.lock("profile:" + userID)()

	skipped := false
	p, err := s.cold.UpdateProfile(ctx, userID, func(p *entitlement.Profile) error {
		err := fn(p)
		skipped = errors.Is(err, entitlement.ErrSkipWrite)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !skipped {
		s.refreshHot(ctx, s.putHotProfile(p))
	}
	return p, nil
}

// UpdateSubscription implements entitlement.Storage with write-through strategy.
func (s *Storage) UpdateSubscription(
	ctx context.Context, subscriptionID string, fn entitlement.SubscriptionUpdateFunc,
) (*entitlement.SubscriptionRecord, error) {
	defer s.lock("sub:" + subscriptionID)()

	skipped := false
	r, err := s.cold.UpdateSubscription(ctx, subscriptionID, func(rec *entitlement.SubscriptionRecord, exists bool) error {
		err := fn(rec, exists)
		skipped = errors.Is(err, entitlement.ErrSkipWrite)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !skipped {
		s.refreshHot(ctx, s.putHotSubscription(r))
	}
	return r, nil
}

// AppendEvent implements entitlement.Storage with write-through strategy.
func (s *Storage) AppendEvent(ctx context.Context, rec *entitlement.EventRecord) error {
	if err := s.cold.AppendEvent(ctx, rec); err != nil {
		return err
	}
	clone := *rec
	s.refreshHot(ctx, func(ctx context.Context) error {
		err := s.hot.AppendEvent(ctx, &clone)
		if errors.Is(err, entitlement.ErrDuplicateEvent) {
			return nil
		}
		return err
	})
	return nil
}

// --- Strategy: Cold-Only ---

// ListProvisionalProfiles implements entitlement.Storage against Cold.
func (s *Storage) ListProvisionalProfiles(ctx context.Context, before time.Time) ([]*entitlement.Profile, error) {
	return s.cold.ListProvisionalProfiles(ctx, before)
}

// ListSubscriptionsByUser implements entitlement.Storage against Cold.
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*entitlement.SubscriptionRecord, error) {
	return s.cold.ListSubscriptionsByUser(ctx, userID)
}
