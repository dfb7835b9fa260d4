// Package db opens and migrates the gateway's SQLite store. The store
// holds the idempotency replay table; everything else the gateway keeps
// is in memory.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the store at path with the pragmas the replay workload
// needs: WAL so /action lookups read while a replay row is written,
// NORMAL synchronous (durability beyond a power cut is not required for
// cached responses), and foreign keys on. Use ":memory:" in tests.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	// One writer: concurrent replay inserts serialise on the pool
	// instead of surfacing SQLITE_BUSY to the handler.
	db.SetMaxOpenConns(1)

	return db, nil
}
