package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
	fsstore "github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	redisstore "github.com/mihaimyh/goentitle/storage/redis"
	"github.com/mihaimyh/goentitle/storage/sqlite"
	"github.com/mihaimyh/goentitle/storage/tiered"
)

// backend is the opened storage stack
type backend struct {
	storage   entitlement.Storage
	directory entitlement.Directory
	counter   entitlement.Counter

	pingers []func(ctx context.Context) error
	closers []func()
}

// Ping checks every underlying store
func (b *backend) Ping(ctx context.Context) error {
	for _, ping := range b.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases stores in reverse open order
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend opens the primary store for cfg.StorageBackend and, when a
// Redis URL is set, fronts it with a Redis hot tier.
func openBackend(ctx context.Context, cfg Config, log zerolog.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.StorageBackend {
	case "memory":
		s := memory.New()
		b.storage, b.directory, b.counter = s, s, s

	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.Logger = zerologadapter.NewLogger(log.With().Str("component", "postgres").Logger())
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		b.storage, b.directory, b.counter = s, s, s
		b.pingers = append(b.pingers, s.Ping)
		b.closers = append(b.closers, s.Close)

	case "sqlite":
		s, err := sqlite.Open(sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, err
		}
		b.storage, b.directory, b.counter = s, s, s
		b.pingers = append(b.pingers, s.Ping)
		b.closers = append(b.closers, func() { _ = s.Close() })

	case "firestore":
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		s, err := fsstore.New(client, fsstore.Config{UsersCollection: cfg.FirestoreUsers})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.storage, b.directory, b.counter = s, s, s
		b.closers = append(b.closers, func() { _ = client.Close() })

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if cfg.RedisURL == "" {
		return b, nil
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	hot, err := redisstore.New(client, redisstore.DefaultConfig())
	if err != nil {
		_ = client.Close()
		b.Close()
		return nil, err
	}
	layered, err := tiered.New(tiered.Config{
		Hot:  hot,
		Cold: b.storage,
		ErrorHandler: func(err error) {
			log.Warn().Err(err).Msg("Hot tier out of sync")
		},
	})
	if err != nil {
		_ = client.Close()
		b.Close()
		return nil, err
	}
	b.storage = layered
	b.pingers = append(b.pingers, hot.Ping)
	b.closers = append(b.closers, func() { _ = client.Close() }, func() { _ = layered.Close() })
	return b, nil
}
