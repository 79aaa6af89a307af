package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ontree-co/treemon/internal/progress"
	"github.com/ontree-co/treemon/internal/update"
)

// Orchestrator is the in-process update pipeline used by check and install.
type Orchestrator interface {
	Check(ctx context.Context) (update.Snapshot, error)
	StartInstall(ctx context.Context) (<-chan error, error)
	Subscribe(buffer int) (<-chan update.Notice, func())
}

// HistoryReader lists recorded install attempts.
type HistoryReader interface {
	ListAttempts(ctx context.Context, limit int) ([]update.Attempt, error)
}

// NewManagerAdapter runs checks and installs in process, reads history from
// the local database and talks to the server at serverURL for status and
// watch.
func NewManagerAdapter(orch Orchestrator, history HistoryReader, currentVersion, serverURL string) Manager {
	return &managerAdapter{
		orch:           orch,
		history:        history,
		currentVersion: currentVersion,
		remote: &remoteClient{
			baseURL: strings.TrimRight(serverURL, "/"),
			client:  &http.Client{},
		},
	}
}

type managerAdapter struct {
	orch           Orchestrator
	history        HistoryReader
	currentVersion string
	remote         *remoteClient
}

func (m *managerAdapter) Check(ctx context.Context) (CheckResult, error) {
	snap, err := m.orch.Check(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	return toCheckResult(snap, m.currentVersion), nil
}

func toCheckResult(snap update.Snapshot, currentVersion string) CheckResult {
	result := CheckResult{CurrentVersion: currentVersion}
	if meta := snap.Metadata; meta != nil && snap.State == update.StateCheckedAvailable {
		result.UpdateAvailable = true
		result.CurrentVersion = meta.CurrentVersion
		result.AvailableVersion = meta.AvailableVersion
		result.Channel = string(meta.Channel)
		result.Notes = meta.Notes
		result.PublishDate = meta.PublishDate
	}
	return result
}

// Install checks, then installs while streaming progress. The running
// server is not restarted; the caller is told to restart it.
func (m *managerAdapter) Install(ctx context.Context) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		emit := func(ev ProgressEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		emit(ProgressEvent{Type: EventLog, Message: "checking for updates"})
		snap, err := m.orch.Check(ctx)
		if err != nil {
			emit(ProgressEvent{Type: EventError, Code: "check_failed", Message: err.Error()})
			return
		}
		if snap.State != update.StateCheckedAvailable || snap.Metadata == nil {
			emit(ProgressEvent{Type: EventSuccess, Message: fmt.Sprintf("treemon %s is up to date", m.currentVersion)})
			return
		}
		target := snap.Metadata.AvailableVersion
		emit(ProgressEvent{Type: EventLog, Message: fmt.Sprintf("installing %s", target)})

		notices, cancel := m.orch.Subscribe(update.ProgressChannelBuffer)
		defer cancel()

		done, err := m.orch.StartInstall(ctx)
		if err != nil {
			emit(ProgressEvent{Type: EventError, Code: "install_rejected", Message: err.Error()})
			return
		}

		// Every state change is delivered, so the loop ends on the notice
		// that leaves installing.
		started := time.Now()
		installing := false
		for n := range notices {
			if n.Event != nil {
				if !emit(downloadEvent(n.Snapshot.Progress, time.Since(started))) {
					return
				}
				continue
			}
			if n.Snapshot.State == update.StateInstalling {
				installing = true
				continue
			}
			if installing {
				break
			}
		}

		if err := <-done; err != nil {
			emit(installErrorEvent(err))
			return
		}
		emit(ProgressEvent{
			Type:    EventSuccess,
			Percent: 100,
			Message: fmt.Sprintf("installed %s; restart treemon to finish", target),
		})
	}()
	return out
}

func (m *managerAdapter) Status(ctx context.Context) (Status, error) {
	return m.remote.status(ctx)
}

func (m *managerAdapter) Watch(ctx context.Context) <-chan ProgressEvent {
	return m.remote.watch(ctx)
}

func (m *managerAdapter) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if m.history == nil {
		return nil, errors.New("update history is not available")
	}
	return m.history.ListAttempts(ctx, limit)
}

// downloadEvent renders folded download progress as a CLI event.
func downloadEvent(p progress.DownloadProgress, elapsed time.Duration) ProgressEvent {
	view := progress.Render(p, elapsed)
	ev := ProgressEvent{Type: EventProgress}
	if percent, ok := p.Percent(); ok {
		ev.Percent = percent
	}

	msg := "downloading"
	switch {
	case view.SizeText != "":
		msg += " " + view.SizeText
	case p.Downloaded > 0:
		msg += " " + progress.FormatBytes(p.Downloaded)
	}
	if view.Percent != "" {
		msg += " (" + view.Percent + ")"
	}
	if view.ETA != "" {
		msg += ", " + view.ETA + " left"
	}
	if p.Finished {
		msg = "download complete, applying update"
	}
	ev.Message = msg
	return ev
}

func installErrorEvent(err error) ProgressEvent {
	return ProgressEvent{
		Type:    EventError,
		Code:    "install_failed",
		Message: update.UserMessage(err),
		Data:    map[string]string{"details": err.Error()},
	}
}
