package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ontree-co/treemon/internal/progress"
)

// remoteClient reads status and events from a running treemon server.
type remoteClient struct {
	baseURL string
	client  *http.Client
}

// serverStatus mirrors the fields of the status endpoint the CLI shows.
type serverStatus struct {
	State    string `json:"state"`
	Metadata *struct {
		AvailableVersion string `json:"available_version"`
	} `json:"metadata"`
	Progress       progress.DownloadProgress `json:"progress"`
	StartedAt      *time.Time                `json:"started_at"`
	CurrentVersion string                    `json:"current_version"`
	Display        progress.View             `json:"display"`
	Message        string                    `json:"message"`
	Error          string                    `json:"error"`
	LastCheck      *struct {
		CheckedAt time.Time `json:"checked_at"`
	} `json:"last_check"`
}

func (s serverStatus) toStatus() Status {
	st := Status{
		State:          s.State,
		CurrentVersion: s.CurrentVersion,
		Percent:        s.Display.Percent,
		SizeText:       s.Display.SizeText,
		ETA:            s.Display.ETA,
		Message:        s.Message,
		Error:          s.Error,
	}
	if s.Metadata != nil {
		st.AvailableVersion = s.Metadata.AvailableVersion
	}
	if s.LastCheck != nil {
		checkedAt := s.LastCheck.CheckedAt
		st.LastChecked = &checkedAt
	}
	return st
}

func (c *remoteClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach treemon server at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck,gosec // Already failing
		return nil, fmt.Errorf("treemon server returned HTTP %d for %s", resp.StatusCode, path)
	}
	return resp, nil
}

func (c *remoteClient) status(ctx context.Context) (Status, error) {
	resp, err := c.get(ctx, "/api/system/update/status")
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup

	var s serverStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Status{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return s.toStatus(), nil
}

// watch follows the server's event stream until the install finishes,
// fails or ctx ends. Progress comes from the folded totals the server sends
// with update-progress, so skipped raw events do not skew the counts.
func (c *remoteClient) watch(ctx context.Context) <-chan ProgressEvent {
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

		resp, err := c.get(ctx, "/api/system/update/events")
		if err != nil {
			emit(ProgressEvent{Type: EventError, Code: "connect_failed", Message: err.Error()})
			return
		}
		defer resp.Body.Close() //nolint:errcheck // Cleanup

		var sawWork bool
		err = readSSE(resp.Body, func(event string, data []byte) bool {
			switch event {
			case "update-progress":
				var st serverStatus
				if err := json.Unmarshal(data, &st); err != nil {
					return true
				}
				sawWork = true
				var elapsed time.Duration
				if st.StartedAt != nil {
					elapsed = time.Since(*st.StartedAt)
				}
				return emit(downloadEvent(st.Progress, elapsed))

			case "update-status":
				var s serverStatus
				if err := json.Unmarshal(data, &s); err != nil {
					return true
				}
				switch s.State {
				case "installing":
					sawWork = true
					return emit(ProgressEvent{Type: EventLog, Message: "install in progress"})
				case "finished":
					emit(ProgressEvent{Type: EventSuccess, Percent: 100, Message: "update installed, waiting for restart"})
					return false
				case "restarted":
					emit(ProgressEvent{Type: EventSuccess, Percent: 100, Message: "update installed, server restarting"})
					return false
				case "checked_none", "checked_available", "idle":
					if !sawWork {
						return emit(ProgressEvent{Type: EventLog, Message: fmt.Sprintf("no install running (%s), waiting", s.State)})
					}
				}
				return true

			case "update-failed":
				var body struct {
					Error   string `json:"error"`
					Details string `json:"details"`
				}
				_ = json.Unmarshal(data, &body) //nolint:errcheck // Best effort
				emit(ProgressEvent{Type: EventError, Code: "install_failed", Message: body.Error, Data: map[string]string{"details": body.Details}})
				return false
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			emit(ProgressEvent{Type: EventError, Code: "stream_failed", Message: err.Error()})
		} else if ctx.Err() != nil {
			emit(ProgressEvent{Type: EventError, Code: "timeout", Message: "stopped watching before the install completed"})
		}
	}()
	return out
}

// readSSE calls fn for every complete event until fn returns false or the
// stream ends.
func readSSE(r io.Reader, fn func(event string, data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				if !fn(event, []byte(strings.Join(data, "\n"))) {
					return nil
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
