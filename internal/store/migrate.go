package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const queueMigrationsPath = "migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateQueueDB applies queue.db migrations.
func MigrateQueueDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", queueMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, queueMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", queueMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", queueMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", queueMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", queueMigrationsPath, err)
	}
	return nil
}
