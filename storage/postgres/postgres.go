// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// This implementation uses SQL transactions with SELECT FOR UPDATE for atomic
// read-modify-write of profiles and subscription records.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Storage implements entitlement.Storage, entitlement.Directory and
// entitlement.Counter using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // How long ledger entries are kept

	// Directory queries against the host application's user table.
	// EmailQuery takes the user id, UserIDsByEmailQuery takes the email.
	EmailQuery          string
	UserIDsByEmailQuery string

	// CountQueries maps a feature to a query returning the number of
	// resources the user ($1) owns
	CountQueries map[entitlement.Feature]string

	// Logger receives background cleanup failures (optional)
	Logger entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:            10,
		MinConns:            2,
		MaxConnLifetime:     time.Hour,
		MaxConnIdleTime:     30 * time.Minute,
		CleanupEnabled:      true,
		CleanupInterval:     time.Hour,
		EventRetention:      90 * 24 * time.Hour,
		EmailQuery:          `SELECT email FROM users WHERE id = $1`,
		UserIDsByEmailQuery: `SELECT id FROM users WHERE lower(email) = lower($1) ORDER BY id`,
		CountQueries: map[entitlement.Feature]string{
			entitlement.FeatureLegacyNotes: `SELECT count(*) FROM legacy_notes WHERE user_id = $1`,
		},
	}
}

// New creates a new PostgreSQL storage adapter. The schema is expected to be
// current; see Migrate.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", entitlement.ErrStorageUnavailable, err)
	}

	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx, s.Cleanup)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const profileColumns = `user_id, plan, COALESCE(external_customer_id, ''), provisional_since, created_at, updated_at`

func scanProfile(row pgx.Row) (*entitlement.Profile, error) {
	var p entitlement.Profile
	var plan string
	if err := row.Scan(&p.UserID, &plan, &p.ExternalCustomerID, &p.ProvisionalSince, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Plan = entitlement.Plan(plan)
	return &p, nil
}

// GetProfile implements entitlement.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlement.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// GetProfileByCustomerID implements entitlement.Storage
func (s *Storage) GetProfileByCustomerID(ctx context.Context, customerID string) (*entitlement.Profile, error) {
	if customerID == "" {
		return nil, entitlement.ErrProfileNotFound
	}
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE external_customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile by customer: %w", err)
	}
	return p, nil
}

// UpdateProfile implements entitlement.Storage
func (s *Storage) UpdateProfile(
	ctx context.Context, userID string, fn entitlement.ProfileUpdateFunc,
) (*entitlement.Profile, error) {
	if userID == "" {
		return nil, entitlement.ErrInvalidUserID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", entitlement.ErrStorageUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()

	// Ensure the row exists so SELECT FOR UPDATE always has something to lock
	if _, err = tx.Exec(ctx,
		`INSERT INTO profiles (user_id, plan, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, string(entitlement.PlanFree), now); err != nil {
		return nil, fmt.Errorf("failed to ensure profile: %w", err)
	}

	working, err := scanProfile(tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock profile: %w", err)
	}

	if err := fn(working); err != nil {
		if errors.Is(err, entitlement.ErrSkipWrite) {
			// the row inserted above is rolled back with the transaction
			return working, nil
		}
		return nil, err
	}

	working.UserID = userID
	working.UpdatedAt = now
	if _, err = tx.Exec(ctx,
		`UPDATE profiles SET plan = $2, external_customer_id = NULLIF($3, ''),
			provisional_since = $4, updated_at = $5
			WHERE user_id = $1`,
		userID, string(working.Plan), working.ExternalCustomerID, working.ProvisionalSince, now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("customer %s is linked to another profile: %w", working.ExternalCustomerID, err)
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return working, nil
}

// ListProvisionalProfiles implements entitlement.Storage
func (s *Storage) ListProvisionalProfiles(ctx context.Context, before time.Time) ([]*entitlement.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles
			WHERE provisional_since IS NOT NULL AND provisional_since < $1
			ORDER BY user_id`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisional profiles: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, user_id, customer_id, status, price_id, current_period_start,
	current_period_end, cancel_at_period_end, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*entitlement.SubscriptionRecord, error) {
	var rec entitlement.SubscriptionRecord
	var status string
	var start, end, lastEvent *time.Time
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.CustomerID, &status, &rec.PriceID,
		&start, &end, &rec.CancelAtPeriodEnd, &lastEvent, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = entitlement.SubscriptionStatus(status)
	rec.CurrentPeriodStart = deref(start)
	rec.CurrentPeriodEnd = deref(end)
	rec.LastEventAt = deref(lastEvent)
	return &rec, nil
}

// GetSubscription implements entitlement.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return rec, nil
}

// UpdateSubscription implements entitlement.Storage
func (s *Storage) UpdateSubscription(
	ctx context.Context, subscriptionID string, fn entitlement.SubscriptionUpdateFunc,
) (*entitlement.SubscriptionRecord, error) {
	if subscriptionID == "" {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", entitlement.ErrStorageUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()

	// xmax = 0 only for a row inserted by this statement
	var inserted bool
	if err = tx.QueryRow(ctx,
		`INSERT INTO subscriptions (id, created_at, updated_at) VALUES ($1, $2, $2)
			ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
			RETURNING (xmax = 0)`,
		subscriptionID, now).Scan(&inserted); err != nil {
		return nil, fmt.Errorf("failed to ensure subscription: %w", err)
	}

	working, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, subscriptionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	if err := fn(working, !inserted); err != nil {
		if errors.Is(err, entitlement.ErrSkipWrite) {
			return working, nil
		}
		return nil, err
	}

	working.ID = subscriptionID
	working.UpdatedAt = now
	if _, err = tx.Exec(ctx,
		`UPDATE subscriptions SET user_id = $2, customer_id = $3, status = $4, price_id = $5,
			current_period_start = $6, current_period_end = $7, cancel_at_period_end = $8,
			last_event_at = $9, updated_at = $10
			WHERE id = $1`,
		subscriptionID, working.UserID, working.CustomerID, string(working.Status), working.PriceID,
		nullTime(working.CurrentPeriodStart), nullTime(working.CurrentPeriodEnd), working.CancelAtPeriodEnd,
		nullTime(working.LastEventAt), now); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return working, nil
}

// ListSubscriptionsByUser implements entitlement.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*entitlement.SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY current_period_end DESC NULLS LAST`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasEvent implements entitlement.Storage
func (s *Storage) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscription_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_events
			(event_id, event_type, subscription_id, customer_id, user_id, outcome, raw_payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.EventID, rec.EventType, rec.SubscriptionID, rec.CustomerID, rec.UserID,
		string(rec.Outcome), rec.RawPayload, receivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return entitlement.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Email implements entitlement.Directory
func (s *Storage) Email(ctx context.Context, userID string) (string, error) {
	if s.config.EmailQuery == "" {
		return "", nil
	}
	var email string
	err := s.pool.QueryRow(ctx, s.config.EmailQuery, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up email: %w", err)
	}
	return email, nil
}

// FindUserIDsByEmail implements entitlement.Directory
func (s *Storage) FindUserIDsByEmail(ctx context.Context, email string) ([]string, error) {
	if s.config.UserIDsByEmailQuery == "" || email == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, s.config.UserIDsByEmailQuery, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find users by email: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan user ids: %w", err)
	}
	return ids, nil
}

// Count implements entitlement.Counter
func (s *Storage) Count(ctx context.Context, userID string, feature entitlement.Feature) (int, error) {
	query, ok := s.config.CountQueries[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", entitlement.ErrUnknownFeature, feature)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", feature, err)
	}
	return n, nil
}

// startCleanup runs prune every CleanupInterval until ctx is done
func (s *Storage) startCleanup(ctx context.Context, prune func(context.Context) (int64, error)) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := prune(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// retried on the next tick
				s.config.Logger.Warn("Ledger cleanup failed", entitlement.ErrField(err))
				continue
			}
			if n > 0 {
				s.config.Logger.Debug("Ledger entries pruned", entitlement.Field{Key: "count", Value: n})
			}
		}
	}
}

// Cleanup deletes ledger entries older than EventRetention and returns how
// many were removed
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.EventRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscription_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
