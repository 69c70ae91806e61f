// Command entitlementd serves subscription webhooks and the billing API, and
// runs entitlement maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "entitlementd",
	Short:         "Subscription entitlement service",
	Long:          `entitlementd keeps account plans in sync with the billing provider and answers entitlement checks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("storage", "memory", "storage backend: memory, postgres, sqlite, firestore (ENTITLE_STORAGE)")
	flags.String("database-url", "", "PostgreSQL connection string (ENTITLE_DATABASE_URL)")
	flags.String("sqlite-path", "data/entitlements.db", "SQLite database file (ENTITLE_SQLITE_PATH)")
	flags.String("redis-url", "", "Redis URL for the hot tier (ENTITLE_REDIS_URL)")
	flags.String("log-format", "json", "log format: json or console (ENTITLE_LOG_FORMAT)")
	flags.String("log-level", "info", "log level (ENTITLE_LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(grantLifetimeCmd)
	rootCmd.AddCommand(syncUserCmd)
	rootCmd.AddCommand(sweepProvisionalCmd)
}

// withApp loads configuration, wires the app and runs fn until SIGINT or SIGTERM
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
