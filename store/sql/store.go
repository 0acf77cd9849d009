package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	dbFile     = "contracts.sqlite.db"
)

//go:embed migration/*
var migrations embed.FS

// OpenDb opens (and creates if needed) the sqlite database under the given
// directory and brings its schema up to date.
func OpenDb(dir string) (*sql.DB, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %s", err)
		}
	}

	db, err := sql.Open(driverName, filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %s", err)
	}

	db.SetMaxOpenConns(1) // prevent concurrent writes

	if err := migrateUp(db); err != nil {
		// nolint
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %s", err)
	}

	source, err := iofs.New(migrations, "migration")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %s", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %s", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %s", err)
	}
	return nil
}
