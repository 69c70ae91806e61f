package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/reconcile"
	"github.com/mihaimyh/goentitle/storage/memory"
)

var configEnvKeys = []string{
	"ENTITLE_HTTP_ADDR", "ENTITLE_STORAGE", "ENTITLE_DATABASE_URL", "ENTITLE_SQLITE_PATH",
	"ENTITLE_FIRESTORE_PROJECT", "ENTITLE_FIRESTORE_USERS", "ENTITLE_REDIS_URL",
	"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRICE_ID",
	"ENTITLE_CHECKOUT_SUCCESS_URL", "ENTITLE_CHECKOUT_CANCEL_URL", "ENTITLE_PORTAL_RETURN_URL",
	"ENTITLE_TRUST_PROXY", "ENTITLE_EMAIL_FALLBACK", "ENTITLE_USER_ID_HEADER", "SENTRY_DSN",
	"ENTITLE_ENV", "ENTITLE_LOG_FORMAT", "ENTITLE_LOG_LEVEL", "ENTITLE_METRICS_NAMESPACE",
	"ENTITLE_PROVISIONAL_TTL", "ENTITLE_SWEEP_INTERVAL",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func validConfig() Config {
	return Config{
		HTTPAddr:         ":0",
		StorageBackend:   "memory",
		EmailFallback:    "auto",
		ProvisionalTTL:   time.Hour,
		UserIDHeader:     api.DefaultUserIDHeader,
		LogFormat:        "json",
		LogLevel:         "info",
		MetricsNamespace: "goentitle_test",
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := configFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, reconcile.DefaultProvisionalTTL, cfg.ProvisionalTTL)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, api.DefaultUserIDHeader, cfg.UserIDHeader)
	assert.NoError(t, cfg.Validate())
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ENTITLE_STORAGE", "Postgres")
	t.Setenv("ENTITLE_DATABASE_URL", "postgres://localhost/entitlements")
	t.Setenv("ENTITLE_PROVISIONAL_TTL", "30m")
	t.Setenv("ENTITLE_TRUST_PROXY", "true")
	t.Setenv("ENTITLE_EMAIL_FALLBACK", "ALERT")

	cfg, err := configFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StorageBackend)
	assert.Equal(t, 30*time.Minute, cfg.ProvisionalTTL)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, reconcile.EmailFallbackAlert, cfg.emailFallback())
	assert.NoError(t, cfg.Validate())
}

func TestConfigFromEnv_BadDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ENTITLE_SWEEP_INTERVAL", "soon")

	_, err := configFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTITLE_SWEEP_INTERVAL")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.StorageBackend = "mongo" }, true},
		{"postgres without url", func(c *Config) { c.StorageBackend = "postgres" }, true},
		{"postgres with url", func(c *Config) {
			c.StorageBackend = "postgres"
			c.DatabaseURL = "postgres://localhost/db"
		}, false},
		{"sqlite without path", func(c *Config) { c.StorageBackend = "sqlite" }, true},
		{"firestore without project", func(c *Config) { c.StorageBackend = "firestore" }, true},
		{"bad redis url", func(c *Config) { c.RedisURL = "not a url" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"bad email fallback", func(c *Config) { c.EmailFallback = "sometimes" }, true},
		{"negative ttl", func(c *Config) { c.ProvisionalTTL = -time.Second }, true},
		{"bad success url", func(c *Config) { c.CheckoutSuccessURL = "nowhere" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env"), false))
	assert.Error(t, loadEnvFile(filepath.Join(dir, "missing.env"), true))

	const key = "ENTITLEMENTD_TEST_ENV_FILE_VALUE"
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv(key))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "json", "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"service":"entitlementd"`)

	buf.Reset()
	consoleLog := newLogger(&buf, "console", "bogus")
	consoleLog.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "grant-lifetime", "sync-user", "sweep-provisional"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), validConfig(), newLogger(io.Discard, "json", "error"))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestRouter(t *testing.T) {
	a := newTestApp(t)
	router, err := newRouter(a)
	require.NoError(t, err)

	do := func(method, path, userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader("{}"))
		if userID != "" {
			req.Header.Set(api.DefaultUserIDHeader, userID)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("health", func(t *testing.T) {
		rec := do(http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("webhook without secret", func(t *testing.T) {
		rec := do(http.MethodPost, PathStripeWebhook, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("status", func(t *testing.T) {
		rec := do(http.MethodGet, api.PathStatus, "u1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body api.StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, entitlement.PlanFree, entitlement.Plan(body.Plan))
	})

	t.Run("status unauthenticated", func(t *testing.T) {
		rec := do(http.MethodGet, api.PathStatus, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("checkout without provider", func(t *testing.T) {
		rec := do(http.MethodPost, api.PathCheckout, "u1")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := do(http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})
}

func TestRouter_WebhookUnresolvedIdentity(t *testing.T) {
	const secret = "whsec_router_test"
	cfg := validConfig()
	cfg.StripeWebhookSecret = secret
	a, err := newApp(context.Background(), cfg, newLogger(io.Discard, "json", "error"))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	router, err := newRouter(a)
	require.NoError(t, err)

	payload := `{"id":"evt_orphan","object":"event","type":"customer.subscription.created","created":1735732800,` +
		`"data":{"object":{"id":"sub_orphan","customer":"cus_unknown","status":"active"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, PathStripeWebhook, bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	store, ok := a.backend.storage.(*memory.Storage)
	require.True(t, ok)
	_, err = store.GetProfileByCustomerID(context.Background(), "cus_unknown")
	assert.ErrorIs(t, err, entitlement.ErrProfileNotFound)
	_, err = store.GetSubscription(context.Background(), "sub_orphan")
	assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "evt_orphan", events[0].EventID)
	assert.Equal(t, entitlement.OutcomeUnresolved, events[0].Outcome)
}

func TestRunGrantLifetime(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runGrantLifetime(ctx, a, &out, "u1"))
	assert.Equal(t, "u1: lifetime\n", out.String())

	view, err := a.gate.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanLifetime, view.Plan)

	assert.ErrorIs(t, runGrantLifetime(ctx, a, io.Discard, ""), entitlement.ErrInvalidUserID)
}

func TestRunSyncUser_WithoutProvider(t *testing.T) {
	a := newTestApp(t)
	err := runSyncUser(context.Background(), a, io.Discard, "u1")
	assert.ErrorIs(t, err, reconcile.ErrNotConfigured)
}

func TestRunSweepProvisional(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-2 * time.Hour)
	_, err := a.backend.storage.UpdateProfile(ctx, "u1", func(p *entitlement.Profile) error {
		p.Plan = entitlement.PlanPro
		p.ProvisionalSince = &stale
		return nil
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runSweepProvisional(ctx, a, &out, 0))
	assert.Equal(t, "reverted 1 provisional grants\n", out.String())

	p, err := a.backend.storage.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, p.Plan)
	assert.False(t, p.Provisional())
}

func TestRunMigrate(t *testing.T) {
	var out bytes.Buffer
	cfg := validConfig()
	require.NoError(t, runMigrate(&out, cfg, "up"))
	assert.Contains(t, out.String(), "memory storage needs no migrations")

	cfg.StorageBackend = "postgres"
	cfg.DatabaseURL = "postgres://localhost/db"
	assert.Error(t, runMigrate(io.Discard, cfg, "sideways"))
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := validConfig()
	cfg.StorageBackend = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "entitlements.db")

	b, err := openBackend(context.Background(), cfg, newLogger(io.Discard, "json", "error"))
	require.NoError(t, err)
	defer b.Close()

	assert.NoError(t, b.Ping(context.Background()))
	assert.NotNil(t, b.directory)
	assert.NotNil(t, b.counter)
}
