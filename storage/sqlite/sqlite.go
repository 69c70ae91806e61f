// Package sqlite provides a single-file SQLite implementation of the
// entitlement.Storage interface, for development and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Storage on SQLite
type Storage struct {
	db     *sql.DB
	config Config
}

var (
	_ entitlement.Storage   = (*Storage)(nil)
	_ entitlement.Directory = (*Storage)(nil)
	_ entitlement.Counter   = (*Storage)(nil)
)

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file, created if missing
	Path string

	// Directory queries against the host application's tables, which may
	// live in the same file. Empty queries disable the lookup.
	EmailQuery          string
	UserIDsByEmailQuery string

	// CountQueries maps a feature to a query returning the number of
	// resources the user (?) owns
	CountQueries map[entitlement.Feature]string
}

// DefaultConfig returns a Config for path with the default host queries
func DefaultConfig(path string) Config {
	return Config{
		Path:                path,
		EmailQuery:          `SELECT email FROM users WHERE id = ?`,
		UserIDsByEmailQuery: `SELECT id FROM users WHERE lower(email) = lower(?) ORDER BY id`,
		CountQueries: map[entitlement.Feature]string{
			entitlement.FeatureLegacyNotes: `SELECT count(*) FROM legacy_notes WHERE user_id = ?`,
		},
	}
}

// Open opens (or creates) the database at config.Path and applies the schema.
func Open(config Config) (*Storage, error) {
	path := config.Path
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection serializes transactions
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{db: db, config: config}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id              TEXT PRIMARY KEY,
		plan                 TEXT NOT NULL DEFAULT 'free',
		external_customer_id TEXT NOT NULL DEFAULT '',
		provisional_since    INTEGER,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_customer
		ON profiles(external_customer_id) WHERE external_customer_id != '';
	CREATE INDEX IF NOT EXISTS idx_profiles_provisional ON profiles(provisional_since);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL DEFAULT '',
		customer_id          TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL DEFAULT '',
		price_id             TEXT NOT NULL DEFAULT '',
		current_period_start INTEGER NOT NULL DEFAULT 0,
		current_period_end   INTEGER NOT NULL DEFAULT 0,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		last_event_at        INTEGER NOT NULL DEFAULT 0,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);

	CREATE TABLE IF NOT EXISTS subscription_events (
		event_id        TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		customer_id     TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		outcome         TEXT NOT NULL DEFAULT '',
		raw_payload     BLOB,
		received_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_received ON subscription_events(received_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used by the health check).
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

const profileColumns = `user_id, plan, external_customer_id, provisional_since, created_at, updated_at`

func scanProfile(row scanner) (*entitlement.Profile, error) {
	var (
		p                    entitlement.Profile
		plan                 string
		since                sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.UserID, &plan, &p.ExternalCustomerID, &since, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Plan = entitlement.Plan(plan)
	if since.Valid {
		t := fromNanos(since.Int64)
		p.ProvisionalSince = &t
	}
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

const subscriptionColumns = `id, user_id, customer_id, status, price_id,
	current_period_start, current_period_end, cancel_at_period_end,
	last_event_at, created_at, updated_at`

func scanSubscription(row scanner) (*entitlement.SubscriptionRecord, error) {
	var r entitlement.SubscriptionRecord
	var status string
	var start, end, lastEvent, created, upd int64
	var cancel int
	if err := row.Scan(&r.ID, &r.UserID, &r.CustomerID, &status, &r.PriceID,
		&start, &end, &cancel, &lastEvent, &created, &upd); err != nil {
		return nil, err
	}
	r.Status = entitlement.SubscriptionStatus(status)
	r.CurrentPeriodStart = fromNanos(start)
	r.CurrentPeriodEnd = fromNanos(end)
	r.CancelAtPeriodEnd = cancel != 0
	r.LastEventAt = fromNanos(lastEvent)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(upd)
	return &r, nil
}

// GetProfile implements entitlement.Storage
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitlement.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// GetProfileByCustomerID implements entitlement.Storage
func (s *Storage) GetProfileByCustomerID(ctx context.Context, customerID string) (*entitlement.Profile, error) {
	if customerID == "" {
		return nil, entitlement.ErrProfileNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE external_customer_id = ?`, customerID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by customer: %w", err)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	working, err := scanProfile(tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		working = &entitlement.Profile{UserID: userID, Plan: entitlement.PlanFree, CreatedAt: now}
	} else if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	if err := fn(working); err != nil {
		if errors.Is(err, entitlement.ErrSkipWrite) {
			return working, nil
		}
		return nil, err
	}
	working.UserID = userID
	working.UpdatedAt = now

	var since sql.NullInt64
	if working.ProvisionalSince != nil {
		since = sql.NullInt64{Int64: toNanos(*working.ProvisionalSince), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, plan, external_customer_id, provisional_since, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan = excluded.plan,
			external_customer_id = excluded.external_customer_id,
			provisional_since = excluded.provisional_since,
			updated_at = excluded.updated_at`,
		userID, string(working.Plan), working.ExternalCustomerID, since,
		toNanos(working.CreatedAt), toNanos(working.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("write profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return working, nil
}

// ListProvisionalProfiles implements entitlement.Storage
func (s *Storage) ListProvisionalProfiles(ctx context.Context, before time.Time) ([]*entitlement.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles
		WHERE provisional_since IS NOT NULL AND provisional_since < ?
		ORDER BY user_id`, toNanos(before))
	if err != nil {
		return nil, fmt.Errorf("list provisional profiles: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetSubscription implements entitlement.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*entitlement.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, subscriptionID)
	r, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return r, nil
}

// UpdateSubscription implements entitlement.Storage
func (s *Storage) UpdateSubscription(
	ctx context.Context, subscriptionID string, fn entitlement.SubscriptionUpdateFunc,
) (*entitlement.SubscriptionRecord, error) {
	if subscriptionID == "" {
		return nil, entitlement.ErrSubscriptionNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	exists := true
	working, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		working = &entitlement.SubscriptionRecord{ID: subscriptionID, CreatedAt: now}
	} else if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	if err := fn(working, exists); err != nil {
		if errors.Is(err, entitlement.ErrSkipWrite) {
			return working, nil
		}
		return nil, err
	}
	working.ID = subscriptionID
	working.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			customer_id = excluded.customer_id,
			status = excluded.status,
			price_id = excluded.price_id,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`,
		subscriptionID, working.UserID, working.CustomerID, string(working.Status), working.PriceID,
		toNanos(working.CurrentPeriodStart), toNanos(working.CurrentPeriodEnd), boolToInt(working.CancelAtPeriodEnd),
		toNanos(working.LastEventAt), toNanos(working.CreatedAt), toNanos(working.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("write subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return working, nil
}

// ListSubscriptionsByUser implements entitlement.Storage
func (s *Storage) ListSubscriptionsByUser(ctx context.Context, userID string) ([]*entitlement.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ? ORDER BY current_period_end DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.SubscriptionRecord
	for rows.Next() {
		r, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasEvent implements entitlement.Storage
func (s *Storage) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM subscription_events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
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

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscription_events
			(event_id, event_type, subscription_id, customer_id, user_id, outcome, raw_payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.EventType, rec.SubscriptionID, rec.CustomerID, rec.UserID,
		string(rec.Outcome), rec.RawPayload, toNanos(receivedAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if n == 0 {
		return entitlement.ErrDuplicateEvent
	}
	return nil
}

// Email implements entitlement.Directory
func (s *Storage) Email(ctx context.Context, userID string) (string, error) {
	if s.config.EmailQuery == "" {
		return "", nil
	}
	var email string
	err := s.db.QueryRowContext(ctx, s.config.EmailQuery, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("look up email: %w", err)
	}
	return email, nil
}

// FindUserIDsByEmail implements entitlement.Directory
func (s *Storage) FindUserIDsByEmail(ctx context.Context, email string) ([]string, error) {
	if s.config.UserIDsByEmailQuery == "" || email == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.config.UserIDsByEmailQuery, email)
	if err != nil {
		return nil, fmt.Errorf("find users by email: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count implements entitlement.Counter
func (s *Storage) Count(ctx context.Context, userID string, feature entitlement.Feature) (int, error) {
	query, ok := s.config.CountQueries[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", entitlement.ErrUnknownFeature, feature)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", feature, err)
	}
	return n, nil
}

// PruneEvents deletes ledger entries received before cutoff.
func (s *Storage) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscription_events WHERE received_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// times are stored as UTC unix nanoseconds, 0 for the zero time
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
