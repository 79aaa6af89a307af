package cli

import (
	"context"
)

// Manager abstracts update operations for the CLI.
type Manager interface {
	Check(ctx context.Context) (CheckResult, error)
	Install(ctx context.Context) <-chan ProgressEvent
	Status(ctx context.Context) (Status, error)
	Watch(ctx context.Context) <-chan ProgressEvent
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
}
