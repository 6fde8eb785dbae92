package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	// LatestMigrationVersion is the latest migration version of the
	// database. This is used to implement downgrade protection for the
	// daemon.
	//
	// NOTE: This MUST be updated when a new migration is added.
	LatestMigrationVersion uint = 1
)

// ErrMigrationDowngrade is returned when a database downgrade is detected.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// ApplyMigrations brings the schema up to the latest version. Opening a
// database that is already ahead of the binary's known latest version is
// refused, since running old code against a newer schema risks silent data
// damage.
func ApplyMigrations(db *sqlx.DB, dbPath string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", src, dbPath, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	version, dirty, err := mig.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		// Fresh database.

	case err != nil:
		return fmt.Errorf("read schema version: %w", err)

	case dirty:
		return fmt.Errorf("database schema is dirty at version %d",
			version)

	case version > LatestMigrationVersion:
		return fmt.Errorf("%w: db at %d, binary supports %d",
			ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
