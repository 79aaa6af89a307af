package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ontree-co/treemon/internal/database"
	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/progress"
	"github.com/ontree-co/treemon/internal/systemcheck"
	"github.com/ontree-co/treemon/internal/update"
)

// CheckResponse is returned by the check endpoint.
type CheckResponse struct {
	UpdateAvailable  bool   `json:"update_available"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version,omitempty"`
	Notes            string `json:"notes,omitempty"`
	PublishDate      string `json:"publish_date,omitempty"`
	Published        string `json:"published,omitempty"`
	Channel          string `json:"channel,omitempty"`
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
}

// StatusResponse is the orchestrator snapshot plus display strings.
type StatusResponse struct {
	update.Snapshot
	CurrentVersion string        `json:"current_version"`
	Display        progress.View `json:"display"`
	Message        string        `json:"message,omitempty"`

	// LastCheck is the most recent recorded metadata check; only the status
	// endpoint fills it.
	LastCheck *update.CheckRecord `json:"last_check,omitempty"`
}

func (s *Server) statusResponse(snap update.Snapshot) StatusResponse {
	resp := StatusResponse{
		Snapshot:       snap,
		CurrentVersion: s.currentVersion,
	}

	var elapsed time.Duration
	if snap.StartedAt != nil {
		elapsed = snap.UpdatedAt.Sub(*snap.StartedAt)
	}
	if snap.State == update.StateInstalling || snap.State == update.StateFinished {
		resp.Display = progress.Render(snap.Progress, elapsed)
	}

	var installErr *update.InstallError
	switch {
	case errors.As(snap.Err, &installErr):
		resp.Message = update.UserMessage(installErr)
	case errors.Is(snap.Err, update.ErrRestartFailed):
		resp.Message = "The update was installed but the restart failed. Please restart treemon manually."
	}
	return resp
}

// handleSystemUpdateCheck fetches metadata. Fetch failures are reported as
// "no update" with a 200 so the dashboard never shows a broken banner.
func (s *Server) handleSystemUpdateCheck(w http.ResponseWriter, r *http.Request) {
	snap, err := s.updater.Check(r.Context())

	resp := CheckResponse{
		CurrentVersion: s.currentVersion,
		State:          string(snap.State),
	}
	switch {
	case errors.Is(err, update.ErrInstallInProgress), errors.Is(err, update.ErrCheckInProgress), errors.Is(err, update.ErrInvalidTransition):
		// Report the state we already have
	case err != nil:
		logging.Errorf("Failed to check for updates: %v", err)
		resp.Error = "Failed to check for updates"
	}

	if meta := snap.Metadata; meta != nil && snap.State == update.StateCheckedAvailable {
		resp.UpdateAvailable = true
		resp.AvailableVersion = meta.AvailableVersion
		resp.Notes = meta.Notes
		resp.PublishDate = meta.PublishDate
		resp.Channel = string(meta.Channel)
		if published, ok := meta.PublishedAt(); ok {
			resp.Published = humanize.Time(published)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSystemUpdateApply starts the install in the background.
func (s *Server) handleSystemUpdateApply(w http.ResponseWriter, _ *http.Request) {
	done, err := s.updater.StartInstall(s.baseCtx)
	switch {
	case errors.Is(err, update.ErrInstallInProgress), errors.Is(err, update.ErrCheckInProgress):
		writeError(w, http.StatusConflict, "An update is already in progress")
		return
	case errors.Is(err, update.ErrNoUpdateAvailable), errors.Is(err, update.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "No update available to install")
		return
	case err != nil:
		logging.Errorf("Failed to start update: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to start update")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := <-done; err != nil {
			logging.Errorf("Update failed: %v", err)
			return
		}
		logging.Info("Update installed, waiting for restart")
	}()

	writeJSON(w, http.StatusAccepted, StatusResponse{
		Snapshot:       s.updater.Snapshot(),
		CurrentVersion: s.currentVersion,
		Message:        "Update started",
	})
}

// handleSystemUpdateStatus returns the current update status and the last
// recorded check.
func (s *Server) handleSystemUpdateStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.statusResponse(s.updater.Snapshot())
	if s.history != nil {
		last, err := s.history.LastCheck(r.Context())
		if err != nil {
			logging.Warnf("Failed to read last update check: %v", err)
		}
		resp.LastCheck = last
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSystemUpdateHistory returns the most recent install attempts.
func (s *Server) handleSystemUpdateHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []update.Attempt{})
		return
	}

	limit := database.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	attempts, err := s.history.ListAttempts(r.Context(), limit)
	if err != nil {
		logging.Errorf("Failed to query update history: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve update history")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// handleSystemUpdateRestart restarts onto the installed binary after a
// short delay so the response can be delivered.
func (s *Server) handleSystemUpdateRestart(w http.ResponseWriter, _ *http.Request) {
	snap := s.updater.Snapshot()
	if snap.State != update.StateFinished {
		writeError(w, http.StatusBadRequest, "No pending update restart")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.restartDelay):
		case <-s.baseCtx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
		defer cancel()
		if err := s.updater.Restart(ctx); err != nil {
			logging.Errorf("Restart after update failed: %v", err)
		}
	}()

	version := ""
	if snap.Metadata != nil {
		version = snap.Metadata.AvailableVersion
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "restarting",
		"version": version,
		"message": "Restarting to complete update...",
	})
}

// handleSystemUpdateEvents streams update-status, update-download and
// update-failed events until the client disconnects.
func (s *Server) handleSystemUpdateEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := NewSSEClient(256)
	s.sseManager.RegisterClient(client)
	defer s.sseManager.UnregisterClient(client)

	// Current state first so late joiners can render immediately
	initial, err := json.Marshal(s.statusResponse(s.updater.Snapshot()))
	if err != nil {
		logging.Errorf("Failed to marshal initial status: %v", err)
		return
	}
	if _, err := w.Write([]byte(formatSSE(eventStatus, initial))); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-client.Close:
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(formatSSE(eventHeartbeat, []byte("ping")))); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-client.Messages:
			if _, err := w.Write([]byte(msg)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.currentVersion,
		"state":   string(s.updater.Snapshot().State),
	})
}

func (s *Server) handleSystemVitals(w http.ResponseWriter, r *http.Request) {
	if s.vitals == nil {
		writeError(w, http.StatusServiceUnavailable, "System vitals are not available")
		return
	}
	v, err := s.vitals.Get(r.Context())
	if err != nil {
		logging.Errorf("Failed to get system vitals: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read system vitals")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SystemChecksResponse lists readiness check results.
type SystemChecksResponse struct {
	Healthy bool                      `json:"healthy"`
	Checks  []systemcheck.CheckResult `json:"checks"`
}

func (s *Server) handleSystemChecks(w http.ResponseWriter, r *http.Request) {
	if s.checks == nil {
		writeError(w, http.StatusServiceUnavailable, "System checks are not available")
		return
	}
	results := s.checks.Run(r.Context())
	writeJSON(w, http.StatusOK, SystemChecksResponse{
		Healthy: systemcheck.Healthy(results),
		Checks:  results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
