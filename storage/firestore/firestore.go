// Package firestore provides a Firestore implementation of the entitlement.Storage interface.
// Read-modify-write operations run inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	profilesCollection      string
	subscriptionsCollection string
	eventsCollection        string
	maxAttempts             int
	config                  Config
}

var (
	_ entitlement.Storage   = (*Storage)(nil)
	_ entitlement.Directory = (*Storage)(nil)
	_ entitlement.Counter   = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// ProfilesCollection is the Firestore collection for account profiles
	// Default: "billing_profiles"
	ProfilesCollection string

	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// EventsCollection is the Firestore collection for the event ledger
	// Default: "billing_subscription_events"
	EventsCollection string

	// MaxAttempts bounds transaction retries under contention
	// Default: firestore.DefaultTransactionMaxAttempts
	MaxAttempts int

	// UsersCollection holds the host application's users, keyed by user id
	// with the address in EmailField. Empty disables Directory lookups.
	UsersCollection string
	EmailField      string

	// CountCollections maps a feature to the collection of resources it
	// counts; documents carry the owning user id in OwnerField
	CountCollections map[entitlement.Feature]string
	OwnerField       string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "billing_profiles"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_subscription_events"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = firestore.DefaultTransactionMaxAttempts
	}
	if config.EmailField == "" {
		config.EmailField = "email"
	}
	if config.OwnerField == "" {
		config.OwnerField = "userId"
	}
	if config.CountCollections == nil {
		config.CountCollections = map[entitlement.Feature]string{
			entitlement.FeatureLegacyNotes: "legacy_notes",
		}
	}

	return &Storage{
		client:                  client,
		profilesCollection:      config.ProfilesCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
		maxAttempts:             config.MaxAttempts,
		config:                  config,
	}, nil
}

func (s *Storage) profileDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.profilesCollection).Doc(userID)
}

func (s *Storage) subscriptionDoc(subscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

func profileFromData(userID string, data map[string]interface{}) *entitlement.Profile {
	p := &entitlement.Profile{
		UserID:             userID,
		Plan:               entitlement.Plan(getString(data, "plan")),
		ExternalCustomerID: getString(data, "externalCustomerId"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
	if since, ok := data["provisionalSince"].(time.Time); ok && !since.IsZero() {
		p.ProvisionalSince = &since
	}
	return p
}

func profileData(p *entitlement.Profile) map[string]interface{} {
	data := map[string]interface{}{
		"userId":             p.UserID,
		"plan":               string(p.Plan),
		"externalCustomerId": p.ExternalCustomerID,
		"provisionalSince":   nil,
		"createdAt":          p.CreatedAt,
		"updatedAt":          p.UpdatedAt,
	}
	if p.ProvisionalSince != nil {
		data["provisionalSince"] = *p.ProvisionalSince
	}
	return data
}

func subscriptionFromData(id string, data map[string]interface{}) *entitlement.SubscriptionRecord {
	return &entitlement.SubscriptionRecord{
		ID:                 id,
		UserID:             getString(data, "userId"),
		CustomerID:         getString(data, "customerId"),
		Status:             entitlement.SubscriptionStatus(getString(data, "status")),
		PriceID:            getString(data, "priceId"),
		CurrentPeriodStart: getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:   getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:  getBool(data, "cancelAtPeriodEnd"),
		LastEventAt:        getTime(data, "lastEventAt"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
}

func subscriptionData(r *entitlement.SubscriptionRecord) map[string]interface{} {
	return map[string]interface{}{
		"userId":             r.UserID,
		"customerId":         r.CustomerID,
		"status":             string(r.Status),
		"priceId":            r.PriceID,
		"currentPeriodStart": r.CurrentPeriodStart,
		"currentPeriodEnd":   r.CurrentPeriodEnd,
		"cancelAtPeriodEnd":  r.CancelAtPeriodEnd,
		"lastEventAt":        r.LastEventAt,
		"createdAt":          r.CreatedAt,
		"updatedAt":          r.UpdatedAt,
	}
}

// GetProfile implements entitlement.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrProfileNotFound
	}
	snap, err := s.profileDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return profileFromData(userID, snap.Data()), nil
}

// GetProfileByCustomerID implements entitlement.Storage
func (s *Storage) GetProfileByCustomerID(ctx context.Context, customerID string) (*entitlement.Profile, error) {
	if customerID == "" {
		return nil, entitlement.ErrProfileNotFound
	}
	iter := s.client.Collection(s.profilesCollection).
		Where("externalCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile by customer: %w", err)
	}
	return profileFromData(snap.Ref.ID, snap.Data()), nil
}

// UpdateProfile implements entitlement.Storage
func (s *Storage) UpdateProfile(
	ctx context.Context, userID string, fn entitlement.ProfileUpdateFunc,
) (*entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	doc := s.profileDoc(userID)
	var result *entitlement.Profile

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var working *entitlement.Profile
		if snap != nil && snap.Exists() {
			working = profileFromData(userID, snap.Data())
		} else {
			working = &entitlement.Profile{UserID: userID, Plan: entitlement.PlanFree, CreatedAt: now}
		}

		if err := fn(working); err != nil {
			if errors.Is(err, entitlement.ErrSkipWrite) {
				result = working
				return nil
			}
			return err
		}
		working.UserID = userID
		working.UpdatedAt = now

		if working.ExternalCustomerID != "" {
			q := s.client.Collection(s.profilesCollection).
				Where("externalCustomerId", "==", working.ExternalCustomerID).
				Limit(2)
			owners, err := tx.Documents(q).GetAll()
			if err != nil {
				return fmt.Errorf("failed to check customer link: %w", err)
			}
			for _, o := range owners {
				if o.Ref.ID != userID {
					return fmt.Errorf("customer %s is linked to another profile", working.ExternalCustomerID)
				}
			}
		}

		if err := tx.Set(doc, profileData(working)); err != nil {
			return err
		}
		result = working
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListProvisionalProfiles implements entitlement.Storage
func (s *Storage) ListProvisionalProfiles(ctx context.Context, before time.Time) ([]*entitlement.Profile, error) {
	iter := s.client.Collection(s.profilesCollection).
		Where("provisionalSince", "<", before).
		Documents(ctx)
	defer iter.Stop()

	var out []*entitlement.Profile
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query provisional profiles: %w", err)
		}
		out = append(out, profileFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// GetSubscription implements entitlement.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.SubscriptionRecord, error) {
	if subscriptionID == "" {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	snap, err := s.subscriptionDoc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(subscriptionID, snap.Data()), nil
}

// UpdateSubscription implements entitlement.Storage
func (s *Storage) UpdateSubscription(
	ctx context.Context, subscriptionID string, fn entitlement.SubscriptionUpdateFunc,
) (*entitlement.SubscriptionRecord, error) {
	if subscriptionID == "" {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	doc := s.subscriptionDoc(subscriptionID)
	var result *entitlement.SubscriptionRecord

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		exists := snap != nil && snap.Exists()
		var working *entitlement.SubscriptionRecord
		if exists {
			working = subscriptionFromData(subscriptionID, snap.Data())
		} else {
			working = &entitlement.SubscriptionRecord{ID: subscriptionID, CreatedAt: now}
		}

		if err := fn(working, exists); err != nil {
			if errors.Is(err, entitlement.ErrSkipWrite) {
				result = working
				return nil
			}
			return err
		}
		working.ID = subscriptionID
		working.UpdatedAt = now

		if err := tx.Set(doc, subscriptionData(working)); err != nil {
			return err
		}
		result = working
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListSubscriptionsByUser implements entitlement.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*entitlement.SubscriptionRecord, error) {
	// sorted here rather than with OrderBy to avoid a composite index
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	var out []*entitlement.SubscriptionRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query subscriptions: %w", err)
		}
		out = append(out, subscriptionFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.After(out[j].CurrentPeriodEnd)
	})
	return out, nil
}

// HasEvent implements entitlement.Storage
func (s *Storage) HasEvent(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	_, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return true, nil
}

// AppendEvent implements entitlement.Storage
func (s *Storage) AppendEvent(ctx context.Context, rec *entitlement.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return errors.New("invalid event record")
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := s.eventDoc(rec.EventID).Create(ctx, map[string]interface{}{
		"eventId":        rec.EventID,
		"eventType":      rec.EventType,
		"subscriptionId": rec.SubscriptionID,
		"customerId":     rec.CustomerID,
		"userId":         rec.UserID,
		"outcome":        string(rec.Outcome),
		"rawPayload":     rec.RawPayload,
		"receivedAt":     receivedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return entitlement.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Email implements entitlement.Directory
func (s *Storage) Email(ctx context.Context, userID string) (string, error) {
	if s.config.UsersCollection == "" || userID == "" {
		return "", nil
	}
	snap, err := s.client.Collection(s.config.UsersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up email: %w", err)
	}
	return getString(snap.Data(), s.config.EmailField), nil
}

// FindUserIDsByEmail implements entitlement.Directory. Firestore has no
// case-insensitive match, so addresses must be stored as given by the provider.
func (s *Storage) FindUserIDsByEmail(ctx context.Context, email string) ([]string, error) {
	if s.config.UsersCollection == "" || email == "" {
		return nil, nil
	}
	docs, err := s.client.Collection(s.config.UsersCollection).
		Where(s.config.EmailField, "==", email).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to find users by email: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Ref.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count implements entitlement.Counter with a server-side count aggregation
func (s *Storage) Count(ctx context.Context, userID string, feature entitlement.Feature) (int, error) {
	coll, ok := s.config.CountCollections[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", entitlement.ErrUnknownFeature, feature)
	}
	q := s.client.Collection(coll).
		Where(s.config.OwnerField, "==", userID)
	res, err := q.NewAggregationQuery().
		WithCount("all").
		Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", feature, err)
	}
	switch v := res["all"].(type) {
	case *firestorepb.Value:
		return int(v.GetIntegerValue()), nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unexpected count result %T", v)
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
