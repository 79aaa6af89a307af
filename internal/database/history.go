package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ontree-co/treemon/internal/update"
)

// DefaultHistoryLimit is how many attempts the status page shows.
const DefaultHistoryLimit = 20

// HistoryStore records update checks and install attempts.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore wraps an open, migrated database.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

var _ update.HistoryRecorder = (*HistoryStore)(nil)

// RecordCheck stores the outcome of one metadata check.
func (s *HistoryStore) RecordCheck(ctx context.Context, rec update.CheckRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_checks (checked_at, channel, current_version, available_version, update_available, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CheckedAt.UTC(), string(rec.Channel), rec.CurrentVersion,
		nullString(rec.AvailableVersion), rec.UpdateAvailable, nullString(rec.ErrorMessage))
	if err != nil {
		return fmt.Errorf("failed to record update check: %w", err)
	}
	return nil
}

// StartAttempt inserts a new in-progress attempt.
func (s *HistoryStore) StartAttempt(ctx context.Context, a update.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_history (id, from_version, version, channel, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.FromVersion, a.ToVersion, string(a.Channel), string(a.Status), a.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record update attempt: %w", err)
	}
	return nil
}

// FinishAttempt stores the outcome of an attempt. It is called again when
// a finished attempt is restarted.
func (s *HistoryStore) FinishAttempt(ctx context.Context, a update.Attempt) error {
	var total sql.NullInt64
	if a.TotalBytes != nil {
		total = sql.NullInt64{Int64: clampInt64(*a.TotalBytes), Valid: true}
	}
	var completed sql.NullTime
	if a.CompletedAt != nil {
		completed = sql.NullTime{Time: a.CompletedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE update_history
		SET status = ?, error_message = ?, bytes_downloaded = ?, total_bytes = ?, completed_at = ?
		WHERE id = ?`,
		string(a.Status), nullString(a.ErrorMessage), clampInt64(a.BytesDownloaded), total, completed, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update attempt %s not found", a.ID)
	}
	return nil
}

// ListAttempts returns the most recent attempts, newest first.
func (s *HistoryStore) ListAttempts(ctx context.Context, limit int) ([]update.Attempt, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_version, version, channel, status, error_message,
		       bytes_downloaded, total_bytes, started_at, completed_at
		FROM update_history
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Cleanup

	attempts := []update.Attempt{}
	for rows.Next() {
		var (
			a         update.Attempt
			channel   string
			status    string
			errMsg    sql.NullString
			bytes     int64
			total     sql.NullInt64
			completed sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.FromVersion, &a.ToVersion, &channel, &status, &errMsg,
			&bytes, &total, &a.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan update attempt: %w", err)
		}
		a.Channel = update.UpdateChannel(channel)
		a.Status = update.AttemptStatus(status)
		a.ErrorMessage = errMsg.String
		a.BytesDownloaded = uint64(bytes) //nolint:gosec // Stored from a uint64
		if total.Valid {
			t := uint64(total.Int64) //nolint:gosec // Stored from a uint64
			a.TotalBytes = &t
		}
		if completed.Valid {
			c := completed.Time
			a.CompletedAt = &c
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating update history: %w", err)
	}
	return attempts, nil
}

// ListChecks returns the most recent checks, newest first.
func (s *HistoryStore) ListChecks(ctx context.Context, limit int) ([]update.CheckRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT checked_at, channel, current_version, available_version, update_available, error_message
		FROM update_checks
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update checks: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Cleanup

	checks := []update.CheckRecord{}
	for rows.Next() {
		var (
			rec       update.CheckRecord
			channel   string
			available sql.NullString
			errMsg    sql.NullString
		)
		if err := rows.Scan(&rec.CheckedAt, &channel, &rec.CurrentVersion, &available, &rec.UpdateAvailable, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan update check: %w", err)
		}
		rec.Channel = update.UpdateChannel(channel)
		rec.AvailableVersion = available.String
		rec.ErrorMessage = errMsg.String
		checks = append(checks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating update checks: %w", err)
	}
	return checks, nil
}

// LastCheck returns the most recent check, or nil when none is stored.
func (s *HistoryStore) LastCheck(ctx context.Context) (*update.CheckRecord, error) {
	checks, err := s.ListChecks(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(checks) == 0 {
		return nil, nil
	}
	return &checks[0], nil
}

// PruneChecks deletes checks older than the given age and returns how many
// were removed.
func (s *HistoryStore) PruneChecks(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM update_checks WHERE checked_at < ?`, time.Now().Add(-olderThan).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune update checks: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
