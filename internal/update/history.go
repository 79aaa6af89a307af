package update

import (
	"context"
	"time"
)

// AttemptStatus is the stored outcome of an install attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptFinished   AttemptStatus = "finished"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRestarted  AttemptStatus = "restarted"
)

// Attempt is one install attempt as recorded in history.
type Attempt struct {
	ID              string        `json:"id"`
	FromVersion     string        `json:"from_version"`
	ToVersion       string        `json:"to_version"`
	Channel         UpdateChannel `json:"channel"`
	Status          AttemptStatus `json:"status"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	BytesDownloaded uint64        `json:"bytes_downloaded"`
	TotalBytes      *uint64       `json:"total_bytes,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// CheckRecord is one metadata check as recorded in history.
type CheckRecord struct {
	CheckedAt        time.Time     `json:"checked_at"`
	Channel          UpdateChannel `json:"channel"`
	CurrentVersion   string        `json:"current_version"`
	AvailableVersion string        `json:"available_version,omitempty"`
	UpdateAvailable  bool          `json:"update_available"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// HistoryRecorder persists checks and install attempts. Recording failures
// are logged by the orchestrator and never change update state.
type HistoryRecorder interface {
	RecordCheck(ctx context.Context, rec CheckRecord) error
	StartAttempt(ctx context.Context, attempt Attempt) error
	FinishAttempt(ctx context.Context, attempt Attempt) error
}

type nopHistory struct{}

func (nopHistory) RecordCheck(context.Context, CheckRecord) error { return nil }
func (nopHistory) StartAttempt(context.Context, Attempt) error    { return nil }
func (nopHistory) FinishAttempt(context.Context, Attempt) error   { return nil }
