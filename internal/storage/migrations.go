package storage

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/hyperengineering/pipesync/migrations"
)

// RunMigrations applies all pending migrations from the embedded SQL
// files. Safe to run on every open; goose tracks applied versions.
func RunMigrations(db *sql.DB) error {
	// Goose logs to stdout by default, which pollutes CLI output.
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
