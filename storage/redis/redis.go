// Package redis provides a Redis implementation of the entitlement.Storage interface.
// Read-modify-write operations use optimistic WATCH/MULTI transactions and are
// retried when a concurrent writer touches the watched keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// EventTTL is the TTL for ledger entries (0 = no expiration)
	EventTTL time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "goentitle:",
		EventTTL:   90 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
// On a cluster, the keys of one user must hash to the same slot; use a
// KeyPrefix with a hash tag.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &Storage{
		client: client,
		config: config,
	}, nil
}

// Key helpers
func (s *Storage) profileKey(userID string) string {
	return s.config.KeyPrefix + "profile:" + userID
}

func (s *Storage) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

func (s *Storage) provisionalKey() string {
	return s.config.KeyPrefix + "provisional"
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return s.config.KeyPrefix + "sub:" + subscriptionID
}

func (s *Storage) userSubscriptionsKey(userID string) string {
	return s.config.KeyPrefix + "user_subs:" + userID
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

// profileDoc is the JSON form of a profile
type profileDoc struct {
	UserID             string     `json:"user_id"`
	Plan               string     `json:"plan"`
	ExternalCustomerID string     `json:"external_customer_id,omitempty"`
	ProvisionalSince   *time.Time `json:"provisional_since,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (d *profileDoc) profile() *entitlement.Profile {
	return &entitlement.Profile{
		UserID:             d.UserID,
		Plan:               entitlement.Plan(d.Plan),
		ExternalCustomerID: d.ExternalCustomerID,
		ProvisionalSince:   d.ProvisionalSince,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func newProfileDoc(p *entitlement.Profile) *profileDoc {
	return &profileDoc{
		UserID:             p.UserID,
		Plan:               string(p.Plan),
		ExternalCustomerID: p.ExternalCustomerID,
		ProvisionalSince:   p.ProvisionalSince,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

// subscriptionDoc is the JSON form of a subscription record
type subscriptionDoc struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id,omitempty"`
	CustomerID         string    `json:"customer_id,omitempty"`
	Status             string    `json:"status,omitempty"`
	PriceID            string    `json:"price_id,omitempty"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	LastEventAt        time.Time `json:"last_event_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (d *subscriptionDoc) record() *entitlement.SubscriptionRecord {
	return &entitlement.SubscriptionRecord{
		ID:                 d.ID,
		UserID:             d.UserID,
		CustomerID:         d.CustomerID,
		Status:             entitlement.SubscriptionStatus(d.Status),
		PriceID:            d.PriceID,
		CurrentPeriodStart: d.CurrentPeriodStart,
		CurrentPeriodEnd:   d.CurrentPeriodEnd,
		CancelAtPeriodEnd:  d.CancelAtPeriodEnd,
		LastEventAt:        d.LastEventAt,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func newSubscriptionDoc(r *entitlement.SubscriptionRecord) *subscriptionDoc {
	return &subscriptionDoc{
		ID:                 r.ID,
		UserID:             r.UserID,
		CustomerID:         r.CustomerID,
		Status:             string(r.Status),
		PriceID:            r.PriceID,
		CurrentPeriodStart: r.CurrentPeriodStart,
		CurrentPeriodEnd:   r.CurrentPeriodEnd,
		CancelAtPeriodEnd:  r.CancelAtPeriodEnd,
		LastEventAt:        r.LastEventAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// eventDoc is the JSON form of a ledger entry
type eventDoc struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Outcome        string    `json:"outcome"`
	RawPayload     []byte    `json:"raw_payload,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadProfile(ctx context.Context, c getter, key string) (*entitlement.Profile, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	var doc profileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return doc.profile(), nil
}

func loadSubscription(ctx context.Context, c getter, key string) (*entitlement.SubscriptionRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var doc subscriptionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return doc.record(), nil
}

// GetProfile implements entitlement.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlement.Profile, error) {
	return loadProfile(ctx, s.client, s.profileKey(userID))
}

// GetProfileByCustomerID implements entitlement.Storage
func (s *Storage) GetProfileByCustomerID(ctx context.Context, customerID string) (*entitlement.Profile, error) {
	if customerID == "" {
		return nil, entitlement.ErrProfileNotFound
	}
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer link: %w", err)
	}
	return s.GetProfile(ctx, userID)
}

// UpdateProfile implements entitlement.Storage
func (s *Storage) UpdateProfile(
	ctx context.Context, userID string, fn entitlement.ProfileUpdateFunc,
) (*entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	key := s.profileKey(userID)
	var result *entitlement.Profile

	txf := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		working, err := loadProfile(ctx, tx, key)
		switch {
		case errors.Is(err, entitlement.ErrProfileNotFound):
			working = &entitlement.Profile{UserID: userID, Plan: entitlement.PlanFree, CreatedAt: now}
		case err != nil:
			return err
		}
		previousCustomer := working.ExternalCustomerID

		if err := fn(working); err != nil {
			if errors.Is(err, entitlement.ErrSkipWrite) {
				result = working
				return nil
			}
			return err
		}
		working.UserID = userID
		working.UpdatedAt = now

		newCustomer := working.ExternalCustomerID
		if newCustomer != "" && newCustomer != previousCustomer {
			if err := tx.Watch(ctx, s.customerKey(newCustomer)).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, s.customerKey(newCustomer)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to check customer link: %w", err)
			}
			if owner != "" && owner != userID {
				return fmt.Errorf("customer %s is linked to another profile", newCustomer)
			}
		}

		data, err := json.Marshal(newProfileDoc(working))
		if err != nil {
			return fmt.Errorf("failed to marshal profile: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if previousCustomer != newCustomer {
				if previousCustomer != "" {
					pipe.Del(ctx, s.customerKey(previousCustomer))
				}
				if newCustomer != "" {
					pipe.Set(ctx, s.customerKey(newCustomer), userID, 0)
				}
			}
			if working.ProvisionalSince != nil {
				pipe.ZAdd(ctx, s.provisionalKey(), redis.Z{
					Score:  float64(working.ProvisionalSince.UnixMilli()),
					Member: userID,
				})
			} else {
				pipe.ZRem(ctx, s.provisionalKey(), userID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = working
		return nil
	}

	if err := s.withRetry(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ListProvisionalProfiles implements entitlement.Storage
func (s *Storage) ListProvisionalProfiles(ctx context.Context, before time.Time) ([]*entitlement.Profile, error) {
	// ms scores round down, so the exact cutoff is applied below
	ids, err := s.client.ZRangeByScore(ctx, s.provisionalKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list provisional profiles: %w", err)
	}

	out := make([]*entitlement.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, id)
		if errors.Is(err, entitlement.ErrProfileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.ProvisionalSince != nil && p.ProvisionalSince.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// GetSubscription implements entitlement.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.SubscriptionRecord, error) {
	return loadSubscription(ctx, s.client, s.subscriptionKey(subscriptionID))
}

// UpdateSubscription implements entitlement.Storage
func (s *Storage) UpdateSubscription(
	ctx context.Context, subscriptionID string, fn entitlement.SubscriptionUpdateFunc,
) (*entitlement.SubscriptionRecord, error) {
	if subscriptionID == "" {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	key := s.subscriptionKey(subscriptionID)
	var result *entitlement.SubscriptionRecord

	txf := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		working, err := loadSubscription(ctx, tx, key)
		exists := true
		switch {
		case errors.Is(err, entitlement.ErrSubscriptionNotFound):
			exists = false
			working = &entitlement.SubscriptionRecord{ID: subscriptionID, CreatedAt: now}
		case err != nil:
			return err
		}
		previousOwner := working.UserID

		if err := fn(working, exists); err != nil {
			if errors.Is(err, entitlement.ErrSkipWrite) {
				result = working
				return nil
			}
			return err
		}
		working.ID = subscriptionID
		working.UpdatedAt = now

		data, err := json.Marshal(newSubscriptionDoc(working))
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if previousOwner != working.UserID {
				if previousOwner != "" {
					pipe.SRem(ctx, s.userSubscriptionsKey(previousOwner), subscriptionID)
				}
				if working.UserID != "" {
					pipe.SAdd(ctx, s.userSubscriptionsKey(working.UserID), subscriptionID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = working
		return nil
	}

	if err := s.withRetry(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ListSubscriptionsByUser implements entitlement.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*entitlement.SubscriptionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.userSubscriptionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*entitlement.SubscriptionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetSubscription(ctx, id)
		if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.After(out[j].CurrentPeriodEnd)
	})
	return out, nil
}

// HasEvent implements entitlement.Storage
func (s *Storage) HasEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// AppendEvent implements entitlement.Storage
func (s *Storage) AppendEvent(ctx context.Context, rec *entitlement.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return errors.New("invalid event record")
	}
	doc := eventDoc{
		EventID:        rec.EventID,
		EventType:      rec.EventType,
		SubscriptionID: rec.SubscriptionID,
		CustomerID:     rec.CustomerID,
		UserID:         rec.UserID,
		Outcome:        string(rec.Outcome),
		RawPayload:     rec.RawPayload,
		ReceivedAt:     rec.ReceivedAt,
	}
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = time.Now().UTC()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(rec.EventID), data, s.config.EventTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if !ok {
		return entitlement.ErrDuplicateEvent
	}
	return nil
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// withRetry runs an optimistic transaction, retrying when a watched key changed.
func (s *Storage) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: transaction conflict after %d attempts", entitlement.ErrStorageUnavailable, s.config.MaxRetries)
}
