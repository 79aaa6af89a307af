package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ontree-co/treemon/internal/progress"
	"github.com/ontree-co/treemon/internal/update"
	"github.com/ontree-co/treemon/internal/version"
)

type fakeManager struct {
	checkResult   CheckResult
	checkErr      error
	installEvents []ProgressEvent
	watchEvents   []ProgressEvent
	status        Status
	history       []HistoryEntry
	historyLimit  int
}

func (f *fakeManager) Check(_ context.Context) (CheckResult, error) {
	return f.checkResult, f.checkErr
}

func (f *fakeManager) Install(_ context.Context) <-chan ProgressEvent {
	return eventsToChan(f.installEvents)
}

func (f *fakeManager) Status(_ context.Context) (Status, error) {
	return f.status, nil
}

func (f *fakeManager) Watch(_ context.Context) <-chan ProgressEvent {
	return eventsToChan(f.watchEvents)
}

func (f *fakeManager) History(_ context.Context, limit int) ([]HistoryEntry, error) {
	f.historyLimit = limit
	return f.history, nil
}

func eventsToChan(events []ProgressEvent) <-chan ProgressEvent {
	ch := make(chan ProgressEvent, len(events))
	for _, event := range events {
		ch <- event
	}
	close(ch)
	return ch
}

func runCLI(t *testing.T, args []string, manager Manager) (int, string, string) {
	t.Helper()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	exitCode := Execute(args, manager, &stdout, &stderr)
	return exitCode, stdout.String(), stderr.String()
}

func decodeJSONLines(t *testing.T, output string) []ProgressEvent {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	events := make([]ProgressEvent, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		var event ProgressEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("failed to decode JSON line %q: %v", line, err)
		}
		events = append(events, event)
	}
	return events
}

func TestUsageErrors(t *testing.T) {
	tests := [][]string{
		{"update", "check", "extra"},
		{"update", "history", "--limit", "0"},
		{"update", "check", "--no-such-flag"},
		{"frobnicate"},
	}
	for _, args := range tests {
		if exitCode, _, _ := runCLI(t, args, &fakeManager{}); exitCode != ExitInvalidUsage {
			t.Errorf("%v: exit code = %d, want %d", args, exitCode, ExitInvalidUsage)
		}
	}
}

func TestCheckJSONOutput(t *testing.T) {
	manager := &fakeManager{checkResult: CheckResult{
		UpdateAvailable:  true,
		CurrentVersion:   "1.9.0",
		AvailableVersion: "2.0.0",
		Channel:          "stable",
	}}
	exitCode, stdout, _ := runCLI(t, []string{"update", "check", "--json"}, manager)
	if exitCode != ExitSuccess {
		t.Fatalf("expected exit code %d, got %d", ExitSuccess, exitCode)
	}
	events := decodeJSONLines(t, stdout)
	if len(events) != 1 || events[0].Type != EventResult {
		t.Fatalf("unexpected events: %+v", events)
	}
	data, ok := events[0].Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data map, got %T", events[0].Data)
	}
	if data["available_version"] != "2.0.0" || data["update_available"] != true {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestCheckTextOutput(t *testing.T) {
	manager := &fakeManager{checkResult: CheckResult{CurrentVersion: "1.9.0", Channel: "beta"}}
	exitCode, stdout, _ := runCLI(t, []string{"update", "check"}, manager)
	if exitCode != ExitSuccess {
		t.Fatalf("exit code = %d", exitCode)
	}
	if strings.TrimSpace(stdout) != "treemon 1.9.0 is up to date (beta channel)" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCheckFailure(t *testing.T) {
	manager := &fakeManager{checkErr: errors.New("github unreachable")}
	exitCode, stdout, _ := runCLI(t, []string{"update", "check", "--json"}, manager)
	if exitCode != ExitRuntimeError {
		t.Fatalf("exit code = %d, want %d", exitCode, ExitRuntimeError)
	}
	events := decodeJSONLines(t, stdout)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestInstallStreams(t *testing.T) {
	tests := []struct {
		name     string
		events   []ProgressEvent
		wantExit int
	}{
		{
			name: "success",
			events: []ProgressEvent{
				{Type: EventProgress, Message: "downloading", Percent: 50},
				{Type: EventSuccess, Message: "installed", Percent: 100},
			},
			wantExit: ExitSuccess,
		},
		{
			name: "failure",
			events: []ProgressEvent{
				{Type: EventProgress, Message: "downloading", Percent: 10},
				{Type: EventError, Code: "install_failed", Message: "checksum"},
			},
			wantExit: ExitRuntimeError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exitCode, stdout, _ := runCLI(t, []string{"update", "install", "--json"}, &fakeManager{installEvents: tt.events})
			if exitCode != tt.wantExit {
				t.Fatalf("exit code = %d, want %d", exitCode, tt.wantExit)
			}
			events := decodeJSONLines(t, stdout)
			if len(events) != len(tt.events) || events[0].Percent != tt.events[0].Percent {
				t.Fatalf("unexpected events: %+v", events)
			}
		})
	}
}

func TestHistoryOutput(t *testing.T) {
	manager := &fakeManager{history: []HistoryEntry{{
		ID: "a-1", FromVersion: "1.9.0", ToVersion: "2.0.0", Status: update.AttemptFailed,
		ErrorMessage: "checksum mismatch", StartedAt: time.Now().Add(-time.Hour), BytesDownloaded: 2048,
	}}}
	exitCode, stdout, _ := runCLI(t, []string{"update", "history", "--limit", "5"}, manager)
	if exitCode != ExitSuccess {
		t.Fatalf("exit code = %d", exitCode)
	}
	if manager.historyLimit != 5 {
		t.Errorf("limit = %d, want 5", manager.historyLimit)
	}
	for _, want := range []string{"1.9.0 -> 2.0.0", "failed", "2.0 KiB", "error: checksum mismatch", "1 hour ago"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout %q missing %q", stdout, want)
		}
	}
}

func TestStatusText(t *testing.T) {
	manager := &fakeManager{status: Status{State: "installing", CurrentVersion: "1.9.0", AvailableVersion: "2.0.0", Percent: "50%", SizeText: "1.0 KB / 2.0 KB"}}
	_, stdout, _ := runCLI(t, []string{"update", "status"}, manager)
	want := "state: installing (running 1.9.0), available 2.0.0, 50% 1.0 KB / 2.0 KB"
	if strings.TrimSpace(stdout) != want {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
}

func TestStatusTextShowsLastCheck(t *testing.T) {
	checked := time.Now().Add(-3 * time.Hour)
	manager := &fakeManager{status: Status{State: "checked_none", CurrentVersion: "2.0.0", LastChecked: &checked}}
	_, stdout, _ := runCLI(t, []string{"update", "status"}, manager)
	want := "state: checked_none (running 2.0.0), last checked 3 hours ago"
	if strings.TrimSpace(stdout) != want {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
}

func TestUpdateWithoutManager(t *testing.T) {
	if exitCode, _, _ := runCLI(t, []string{"update", "check"}, nil); exitCode != ExitRuntimeError {
		t.Errorf("exit code = %d, want %d", exitCode, ExitRuntimeError)
	}
}

func TestVersionJSON(t *testing.T) {
	exitCode, stdout, _ := runCLI(t, []string{"version", "--json"}, nil)
	if exitCode != ExitSuccess {
		t.Fatalf("exit code = %d", exitCode)
	}
	events := decodeJSONLines(t, stdout)
	data, ok := events[0].Data.(map[string]interface{})
	if !ok || data["version"] == nil {
		t.Fatalf("unexpected version output: %+v", events)
	}
}

func TestVersionTextMarksDevBuild(t *testing.T) {
	orig := version.Version
	defer func() { version.Version = orig }()

	tests := []struct {
		version string
		wantDev bool
	}{
		{"dev", true},
		{"1.4.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			version.Version = tt.version
			exitCode, stdout, _ := runCLI(t, []string{"version"}, nil)
			if exitCode != ExitSuccess {
				t.Fatalf("exit code = %d", exitCode)
			}
			if !strings.Contains(stdout, "treemon version "+tt.version) {
				t.Errorf("output missing version: %q", stdout)
			}
			if got := strings.Contains(stdout, "development build"); got != tt.wantDev {
				t.Errorf("development build marker = %v, want %v in %q", got, tt.wantDev, stdout)
			}
		})
	}
}

func TestDownloadEvent(t *testing.T) {
	total := uint64(2048)
	tests := []struct {
		name        string
		p           progress.DownloadProgress
		wantMsg     string
		wantPercent int
	}{
		{"known total", progress.DownloadProgress{Downloaded: 1024, Total: &total, Started: true}, "downloading 1.0 KB / 2.0 KB (50%)", 50},
		{"unknown total", progress.DownloadProgress{Downloaded: 1024, Started: true}, "downloading 1.0 KB", 0},
		{"finished", progress.DownloadProgress{Downloaded: 2048, Total: &total, Started: true, Finished: true}, "download complete, applying update", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := downloadEvent(tt.p, 0)
			if ev.Message != tt.wantMsg || ev.Percent != tt.wantPercent {
				t.Errorf("event = %+v, want %q %d", ev, tt.wantMsg, tt.wantPercent)
			}
		})
	}
}

func TestWatchFollowsServerEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/update/events" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		stream := []string{
			"event: update-status\ndata: {\"state\":\"installing\"}\n\n",
			"event: heartbeat\ndata: ping\n\n",
			"event: update-download\ndata: {\"event\":\"started\",\"data\":{\"contentLength\":2048}}\n\n",
			"event: update-progress\ndata: {\"state\":\"installing\",\"progress\":{\"downloaded\":0,\"total\":2048,\"started\":true}}\n\n",
			"event: update-progress\ndata: {\"state\":\"installing\",\"progress\":{\"downloaded\":1024,\"total\":2048,\"started\":true}}\n\n",
			"event: update-progress\ndata: not json\n\n",
			"event: update-download\ndata: {\"event\":\"progress\",\"data\":{\"chunkLength\":1024}}\n\n",
			"event: update-progress\ndata: {\"state\":\"installing\",\"progress\":{\"downloaded\":2048,\"total\":2048,\"started\":true,\"finished\":true}}\n\n",
			"event: update-status\ndata: {\"state\":\"finished\"}\n\n",
		}
		for _, chunk := range stream {
			fmt.Fprint(w, chunk)
		}
	}))
	defer srv.Close()

	m := NewManagerAdapter(nil, nil, "1.9.0", srv.URL)
	var events []ProgressEvent
	for ev := range m.Watch(context.Background()) {
		events = append(events, ev)
	}

	if len(events) == 0 || events[len(events)-1].Type != EventSuccess {
		t.Fatalf("unexpected events: %+v", events)
	}
	var percents []int
	for _, ev := range events {
		if ev.Type == EventProgress {
			percents = append(percents, ev.Percent)
		}
	}
	want := []int{0, 50, 100}
	if fmt.Sprint(percents) != fmt.Sprint(want) {
		t.Errorf("percents = %v, want %v", percents, want)
	}
}

func TestWatchReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "event: update-failed\ndata: {\"error\":\"Update verification failed.\",\"details\":\"checksum mismatch\"}\n\n")
	}))
	defer srv.Close()

	exitCode, stdout, _ := runCLI(t, []string{"update", "watch", "--json"}, NewManagerAdapter(nil, nil, "1.9.0", srv.URL))
	if exitCode != ExitRuntimeError {
		t.Fatalf("exit code = %d, want %d", exitCode, ExitRuntimeError)
	}
	events := decodeJSONLines(t, stdout)
	if len(events) != 1 || events[0].Code != "install_failed" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStatusFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"state":"installing","current_version":"1.9.0","metadata":{"available_version":"2.0.0"},"display":{"percent":"25%","size_text":"512 B / 2.0 KB"},"last_check":{"checked_at":"2026-03-01T12:00:00Z","update_available":true}}`)
	}))
	defer srv.Close()

	m := NewManagerAdapter(nil, nil, "1.9.0", srv.URL)
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "installing" || status.AvailableVersion != "2.0.0" || status.Percent != "25%" {
		t.Errorf("status = %+v", status)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); status.LastChecked == nil || !status.LastChecked.Equal(want) {
		t.Errorf("LastChecked = %v, want %v", status.LastChecked, want)
	}
}

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context) (*update.Metadata, error) {
	return &update.Metadata{
		CurrentVersion:   "1.9.0",
		AvailableVersion: "2.0.0",
		Channel:          update.ChannelStable,
		Asset:            &update.Asset{URL: "https://example.invalid/treemon.tar.gz"},
	}, nil
}

func (stubFetcher) CurrentVersion() string        { return "1.9.0" }
func (stubFetcher) Channel() update.UpdateChannel { return update.ChannelStable }

type chunkInstaller struct {
	chunks int
	err    error
}

func (c chunkInstaller) Install(ctx context.Context, _ *update.Metadata, events chan<- progress.Event) error {
	send := func(ev progress.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := send(progress.Started{ContentLength: progress.Length(uint64(c.chunks) * 10)}); err != nil {
		return err
	}
	for i := 0; i < c.chunks; i++ {
		if err := send(progress.Progress{ChunkLength: 10}); err != nil {
			return err
		}
	}
	if c.err != nil {
		return c.err
	}
	return send(progress.Finished{})
}

type noRestart struct{}

func (noRestart) Restart(context.Context) error { return nil }

func TestInstallThroughOrchestrator(t *testing.T) {
	tests := []struct {
		name      string
		installer chunkInstaller
		wantExit  int
		wantLast  string
	}{
		{"many chunks", chunkInstaller{chunks: 500}, ExitSuccess, EventSuccess},
		{"failure after progress", chunkInstaller{chunks: 300, err: errors.New("connection reset")}, ExitRuntimeError, EventError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := update.NewOrchestrator(stubFetcher{}, tt.installer, noRestart{})
			manager := NewManagerAdapter(orch, nil, "1.9.0", "http://127.0.0.1:0")

			done := make(chan struct{})
			var exitCode int
			var stdout string
			go func() {
				defer close(done)
				exitCode, stdout, _ = runCLI(t, []string{"update", "install", "--json"}, manager)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("install did not finish")
			}

			if exitCode != tt.wantExit {
				t.Fatalf("exit code = %d, want %d", exitCode, tt.wantExit)
			}
			events := decodeJSONLines(t, stdout)
			last := events[len(events)-1]
			if last.Type != tt.wantLast {
				t.Fatalf("last event = %+v", last)
			}
			if tt.wantExit == ExitRuntimeError && last.Code != "install_failed" {
				t.Errorf("code = %q, want install_failed", last.Code)
			}
		})
	}
}
