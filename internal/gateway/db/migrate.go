package db

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
)

// Migrations are embedded so a gateway binary is self-contained; goose
// tracks applied versions in its own table next to the replay data.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the store schema up to date.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose's per-migration chatter through slog so it
// lands in the gateway's structured output instead of stdout.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "db")
}

func (gooseLogger) Fatalf(format string, v ...any) {
	// goose only calls Fatalf from its CLI paths, which Migrate never
	// takes; log loudly instead of exiting if that ever changes.
	slog.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "db")
}
