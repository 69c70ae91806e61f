package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// registers the pgx5:// database driver
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateDirection selects Migrate's target
type MigrateDirection int

const (
	// MigrateUp applies every pending migration
	MigrateUp MigrateDirection = iota
	// MigrateDown rolls back the most recent migration
	MigrateDown
)

// Migrate applies the embedded schema migrations. It reports the resulting
// version; an up-to-date database is not an error.
func Migrate(connectionString string, direction MigrateDirection) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(connectionString))
	if err != nil {
		return 0, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer func() {
		//nolint:errcheck // close errors after a finished migration are not actionable
		_, _ = m.Close()
	}()

	switch direction {
	case MigrateDown:
		err = m.Steps(-1)
	default:
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is dirty at version %d", version)
	}
	return version, nil
}

// migrateURL rewrites a postgres:// URL to the scheme the pgx/v5 driver registers.
func migrateURL(connectionString string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(connectionString, prefix) {
			return "pgx5://" + strings.TrimPrefix(connectionString, prefix)
		}
	}
	return connectionString
}
