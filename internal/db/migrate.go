package db

import (
	"embed"
	"fmt"
	"log"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded migration using goose.
func Migrate(d *DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(d.Dialect().String()); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	log.Printf("Running migrations (dialect=%s)", d.Dialect())
	if err := goose.Up(d.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
