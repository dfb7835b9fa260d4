// Package idempotency deduplicates retried action submissions. Completed
// responses are persisted per (task_id, idempotency_key); submissions still
// in flight are coalesced so one execution serves every concurrent retry.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention is how long completed responses are replayable.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupInterval is how often expired rows are purged.
const CleanupInterval = time.Hour

// Store persists completed responses in the gateway database.
type Store struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// NewStore creates a Store with the default retention.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, retention: DefaultRetention, now: time.Now}
}

// Get returns the stored response for (taskID, key), or ok=false when none
// exists or the stored one has aged out.
func (s *Store) Get(ctx context.Context, taskID, key string) (json.RawMessage, bool, error) {
	var response string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT response_json, created_at FROM action_idempotency WHERE task_id = ? AND idempotency_key = ?`,
		taskID, key,
	).Scan(&response, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query idempotency row: %w", err)
	}

	if s.now().Unix()-createdAt > int64(s.retention.Seconds()) {
		return nil, false, nil
	}
	return json.RawMessage(response), true, nil
}

// Put stores a completed response. A retried Put for the same pair
// overwrites, which keeps the operation idempotent itself.
func (s *Store) Put(ctx context.Context, taskID, key string, response []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO action_idempotency (task_id, idempotency_key, response_json, created_at) VALUES (?, ?, ?, ?)`,
		taskID, key, string(response), s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store idempotency row: %w", err)
	}
	return nil
}

// Cleanup deletes rows older than the retention window and returns how
// many were removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM action_idempotency WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunCleanup purges expired rows on a ticker until ctx is cancelled.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Cleanup(ctx)
			if err != nil {
				slog.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("idempotency cleanup", "removed", n)
			}
		}
	}
}
