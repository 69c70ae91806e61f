package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back PostgreSQL schema migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		return runMigrate(cmd.OutOrStdout(), cfg, direction)
	},
}

func runMigrate(out io.Writer, cfg Config, direction string) error {
	switch cfg.StorageBackend {
	case "postgres":
	case "sqlite", "memory", "firestore":
		_, err := fmt.Fprintf(out, "%s storage needs no migrations\n", cfg.StorageBackend)
		return err
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	var d postgres.MigrateDirection
	switch direction {
	case "up":
		d = postgres.MigrateUp
	case "down":
		d = postgres.MigrateDown
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}

	version, err := postgres.Migrate(cfg.DatabaseURL, d)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "schema at version %d\n", version)
	return err
}

var grantLifetimeCmd = &cobra.Command{
	Use:   "grant-lifetime <user-id>",
	Short: "Grant the lifetime plan to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runGrantLifetime(ctx, a, cmd.OutOrStdout(), args[0])
		})
	},
}

func runGrantLifetime(ctx context.Context, a *app, out io.Writer, userID string) error {
	p, err := a.dispatcher.GrantLifetime(ctx, userID)
	if err != nil {
		return err
	}
	a.log.Info().Str("user_id", p.UserID).Msg("Lifetime plan granted")
	_, err = fmt.Fprintf(out, "%s: %s\n", p.UserID, p.Plan)
	return err
}

var syncUserCmd = &cobra.Command{
	Use:   "sync-user <user-id>",
	Short: "Pull a user's subscriptions from Stripe and recompute their plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runSyncUser(ctx, a, cmd.OutOrStdout(), args[0])
		})
	},
}

func runSyncUser(ctx context.Context, a *app, out io.Writer, userID string) error {
	plan, err := a.dispatcher.SyncUser(ctx, userID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s: %s\n", userID, plan)
	return err
}

var sweepProvisionalCmd = &cobra.Command{
	Use:   "sweep-provisional",
	Short: "Settle provisional grants older than the provisional TTL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runSweepProvisional(ctx, a, cmd.OutOrStdout(), olderThan)
		})
	},
}

func init() {
	sweepProvisionalCmd.Flags().Duration("older-than", 0, "override ENTITLE_PROVISIONAL_TTL")
}

func runSweepProvisional(ctx context.Context, a *app, out io.Writer, olderThan time.Duration) error {
	n, err := a.dispatcher.ExpireProvisional(ctx, olderThan)
	if _, werr := fmt.Fprintf(out, "reverted %d provisional grants\n", n); werr != nil && err == nil {
		err = werr
	}
	return err
}
