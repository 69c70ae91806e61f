package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/reconcile"
)

// Config is the process configuration, read from the environment (and an
// optional .env file) and overridden by flags.
type Config struct {
	HTTPAddr string `validate:"required"`

	StorageBackend   string `validate:"required,oneof=memory postgres sqlite firestore"`
	DatabaseURL      string `validate:"required_if=StorageBackend postgres"`
	SQLitePath       string `validate:"required_if=StorageBackend sqlite"`
	FirestoreProject string `validate:"required_if=StorageBackend firestore"`
	FirestoreUsers   string
	RedisURL         string `validate:"omitempty,url"`

	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceID       string
	CheckoutSuccessURL  string `validate:"omitempty,url"`
	CheckoutCancelURL   string `validate:"omitempty,url"`
	PortalReturnURL     string `validate:"omitempty,url"`
	TrustProxy          bool

	EmailFallback  string        `validate:"omitempty,oneof=auto alert disabled off"`
	ProvisionalTTL time.Duration `validate:"gte=0"`
	SweepInterval  time.Duration `validate:"gte=0"`

	UserIDHeader string `validate:"required"`

	SentryDSN   string
	Environment string

	LogFormat        string `validate:"oneof=json console"`
	LogLevel         string `validate:"oneof=debug info warn error"`
	MetricsNamespace string `validate:"required"`
}

var validate = validator.New()

// Validate checks field constraints
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// emailFallback parses EmailFallback; Validate has already vetted it.
func (c *Config) emailFallback() reconcile.EmailFallback {
	mode, _ := reconcile.ParseEmailFallback(c.EmailFallback) //nolint:errcheck // validated
	return mode
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// loadEnvFile loads path into the process environment without overriding
// variables already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func configFromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:            getEnv("ENTITLE_HTTP_ADDR", ":8080"),
		StorageBackend:      strings.ToLower(getEnv("ENTITLE_STORAGE", "memory")),
		DatabaseURL:         getEnv("ENTITLE_DATABASE_URL", ""),
		SQLitePath:          getEnv("ENTITLE_SQLITE_PATH", "data/entitlements.db"),
		FirestoreProject:    getEnv("ENTITLE_FIRESTORE_PROJECT", ""),
		FirestoreUsers:      getEnv("ENTITLE_FIRESTORE_USERS", ""),
		RedisURL:            getEnv("ENTITLE_REDIS_URL", ""),
		StripeAPIKey:        getEnv("STRIPE_API_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceID:       getEnv("STRIPE_PRICE_ID", ""),
		CheckoutSuccessURL:  getEnv("ENTITLE_CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:   getEnv("ENTITLE_CHECKOUT_CANCEL_URL", ""),
		PortalReturnURL:     getEnv("ENTITLE_PORTAL_RETURN_URL", ""),
		TrustProxy:          getEnvBool("ENTITLE_TRUST_PROXY", false),
		EmailFallback:       strings.ToLower(getEnv("ENTITLE_EMAIL_FALLBACK", "auto")),
		UserIDHeader:        getEnv("ENTITLE_USER_ID_HEADER", api.DefaultUserIDHeader),
		SentryDSN:           getEnv("SENTRY_DSN", ""),
		Environment:         getEnv("ENTITLE_ENV", "production"),
		LogFormat:           strings.ToLower(getEnv("ENTITLE_LOG_FORMAT", "json")),
		LogLevel:            strings.ToLower(getEnv("ENTITLE_LOG_LEVEL", "info")),
		MetricsNamespace:    getEnv("ENTITLE_METRICS_NAMESPACE", "goentitle"),
	}

	var err error
	if cfg.ProvisionalTTL, err = getEnvDuration("ENTITLE_PROVISIONAL_TTL", reconcile.DefaultProvisionalTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getEnvDuration("ENTITLE_SWEEP_INTERVAL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags over the environment values
func applyFlags(cmd *cobra.Command, cfg *Config) {
	strFlags := map[string]*string{
		"addr":         &cfg.HTTPAddr,
		"storage":      &cfg.StorageBackend,
		"database-url": &cfg.DatabaseURL,
		"sqlite-path":  &cfg.SQLitePath,
		"redis-url":    &cfg.RedisURL,
		"log-format":   &cfg.LogFormat,
		"log-level":    &cfg.LogLevel,
	}
	for name, dst := range strFlags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
}

// loadConfig builds the Config for cmd
func loadConfig(cmd *cobra.Command) (Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file") //nolint:errcheck // persistent flag always defined
	explicit := cmd.Flags().Changed("env-file")
	if err := loadEnvFile(envFile, explicit); err != nil {
		return Config{}, err
	}

	cfg, err := configFromEnv()
	if err != nil {
		return Config{}, err
	}
	applyFlags(cmd, &cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
