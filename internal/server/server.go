// Package server exposes the update pipeline over HTTP: JSON endpoints for
// check, install, status, history and restart, plus a Server-Sent Events
// stream of status changes and download progress.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/sessions"

	"github.com/ontree-co/treemon/internal/config"
	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/system"
	"github.com/ontree-co/treemon/internal/systemcheck"
	"github.com/ontree-co/treemon/internal/update"
)

const (
	sessionName         = "treemon-session"
	heartbeatInterval   = 15 * time.Second
	defaultRestartDelay = 2 * time.Second
)

// Updater is the orchestrator surface the server drives.
type Updater interface {
	Check(ctx context.Context) (update.Snapshot, error)
	StartInstall(ctx context.Context) (<-chan error, error)
	Restart(ctx context.Context) error
	Snapshot() update.Snapshot
	Subscribe(buffer int) (<-chan update.Notice, func())
}

// HistoryLister reads recorded install attempts and checks.
type HistoryLister interface {
	ListAttempts(ctx context.Context, limit int) ([]update.Attempt, error)
	LastCheck(ctx context.Context) (*update.CheckRecord, error)
}

// VitalsSource reports host resource usage.
type VitalsSource interface {
	Get(ctx context.Context) (system.Vitals, error)
}

// SystemChecker runs host readiness checks.
type SystemChecker interface {
	Run(ctx context.Context) []systemcheck.CheckResult
}

// Server represents the HTTP server
type Server struct {
	config         *config.Config
	updater        Updater
	history        HistoryLister
	vitals         VitalsSource
	checks         SystemChecker
	currentVersion string
	sessionStore   *sessions.CookieStore
	sseManager     *SSEManager

	// baseCtx outlives requests; installs and restarts run under it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	restartDelay time.Duration
	httpServer   *http.Server
}

// New creates a server. history may be nil when no database is configured.
func New(cfg *config.Config, updater Updater, history HistoryLister, currentVersion string) (*Server, error) {
	sessionKey, err := sessionKeyFromConfig(cfg.SessionKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		updater:        updater,
		history:        history,
		currentVersion: currentVersion,
		sessionStore:   sessions.NewCookieStore(sessionKey),
		sseManager:     NewSSEManager(),
		baseCtx:        ctx,
		cancel:         cancel,
		restartDelay:   defaultRestartDelay,
	}

	s.sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	s.wg.Add(1)
	go s.forwardNotices()

	return s, nil
}

// SetVitals enables the vitals endpoint.
func (s *Server) SetVitals(v VitalsSource) {
	s.vitals = v
}

// SetSystemChecks enables the readiness checks endpoint.
func (s *Server) SetSystemChecks(c SystemChecker) {
	s.checks = c
}

func sessionKeyFromConfig(key string) ([]byte, error) {
	if key != "" {
		if len(key) < 32 {
			return nil, fmt.Errorf("session_key must be at least 32 bytes")
		}
		return []byte(key), nil
	}
	// Sessions do not survive a restart without a configured key
	generated := make([]byte, 32)
	if _, err := rand.Read(generated); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	logging.Warnf("No session_key configured, generated an ephemeral one")
	return generated, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/system/vitals", s.handleSystemVitals)
	mux.HandleFunc("GET /api/system/checks", s.handleSystemChecks)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.HandleFunc("GET /api/system/update/check", s.handleSystemUpdateCheck)
	mux.HandleFunc("GET /api/system/update/status", s.handleSystemUpdateStatus)
	mux.HandleFunc("GET /api/system/update/history", s.handleSystemUpdateHistory)
	mux.HandleFunc("GET /api/system/update/events", s.handleSystemUpdateEvents)
	mux.HandleFunc("POST /api/system/update/apply", s.AdminRequiredMiddleware(s.handleSystemUpdateApply))
	mux.HandleFunc("POST /api/system/update/restart", s.AdminRequiredMiddleware(s.handleSystemUpdateRestart))

	return s.loggingMiddleware(mux)
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = config.DefaultListenAddr
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Infof("Starting server on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and ends SSE streams. A running install
// is cancelled with the base context and ends as a failed attempt.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// forwardNotices relays orchestrator notices to SSE clients.
func (s *Server) forwardNotices() {
	defer s.wg.Done()
	notices, cancel := s.updater.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			s.publishNotice(n)
		}
	}
}

func (s *Server) publishNotice(n update.Notice) {
	if n.Event != nil {
		// update-download carries raw events and may skip some when this
		// forwarder lags; update-progress carries the folded totals.
		s.sseManager.BroadcastDownload(n.Event)
		s.sseManager.Broadcast(eventProgress, s.statusResponse(n.Snapshot))
		return
	}

	s.sseManager.Broadcast(eventStatus, s.statusResponse(n.Snapshot))

	var installErr *update.InstallError
	if n.Snapshot.State == update.StateCheckedNone && errors.As(n.Snapshot.Err, &installErr) {
		s.sseManager.Broadcast(eventFailed, map[string]interface{}{
			"error":   update.UserMessage(installErr),
			"details": installErr.Error(),
		})
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
