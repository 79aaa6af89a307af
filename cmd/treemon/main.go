// Package main is the entry point for the treemon dashboard and its CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ontree-co/treemon/internal/cli"
	"github.com/ontree-co/treemon/internal/config"
	"github.com/ontree-co/treemon/internal/database"
	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/server"
	"github.com/ontree-co/treemon/internal/system"
	"github.com/ontree-co/treemon/internal/systemcheck"
	"github.com/ontree-co/treemon/internal/telemetry"
	"github.com/ontree-co/treemon/internal/update"
	"github.com/ontree-co/treemon/internal/version"
)

func main() {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil && os.Getenv("DEBUG") == "true" {
		logging.Debugf("No .env file found or error loading it: %v", err)
	}

	args := os.Args[1:]
	if len(args) > 0 && cli.IsCommand(args[0]) {
		os.Exit(runCLI(args))
	}
	if len(args) > 0 && args[0] != "serve" {
		fmt.Fprintf(os.Stderr, "unknown command %q, run 'treemon help'\n", args[0])
		os.Exit(cli.ExitInvalidUsage)
	}

	if err := serve(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCLI builds the update pipeline against the local database and hands
// off to the CLI. Installs run in this process and leave restarting the
// server to the operator.
func runCLI(args []string) int {
	if args[0] != "update" {
		return cli.Execute(args, nil, os.Stdout, os.Stderr)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return cli.ExitRuntimeError
	}
	if err := database.Initialize(cfg.DatabasePath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		return cli.ExitRuntimeError
	}
	defer func() {
		if err := database.Close(); err != nil {
			logging.Errorf("Failed to close database: %v", err)
		}
	}()

	store := database.NewHistoryStore(database.GetDB())
	orch := newOrchestrator(cfg, store)

	url, err := serverURL(cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid listen address: %v\n", err)
		return cli.ExitRuntimeError
	}

	manager := cli.NewManagerAdapter(orch, store, version.Get().Version, url)
	return cli.Execute(args, manager, os.Stdout, os.Stderr)
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.ListenAddr, err = normalizeListenAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if cfg.LogDir != "" {
		if err := logging.Initialize(cfg.LogDir); err != nil {
			logging.Warnf("Failed to initialize file logging: %v", err)
		} else {
			defer logging.Close() //nolint:errcheck // Shutdown
		}
	}
	logging.Infof("Configuration: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	versionInfo := version.Get()
	shutdownTelemetry, err := telemetry.InitializeFromEnv(ctx, versionInfo.Version)
	if err != nil {
		logging.Warnf("Failed to initialize telemetry: %v", err)
	} else {
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logging.Errorf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	if err := database.Initialize(cfg.DatabasePath); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logging.Errorf("Failed to close database: %v", err)
		}
	}()

	store := database.NewHistoryStore(database.GetDB())
	orch := newOrchestrator(cfg, store)

	scheduler, err := newScheduler(cfg, orch, store)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logging.Warnf("Scheduler did not stop cleanly: %v", err)
		}
	}()
	if scheduler.ChecksEnabled() {
		logging.Infof("Update checks scheduled (%s), next at %s", cfg.CheckSchedule, scheduler.Next().Format(time.RFC3339))
	} else {
		logging.Info("Scheduled update checks are disabled")
	}

	if cfg.CheckOnStartup {
		go func() {
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			if _, err := orch.Check(checkCtx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Debugf("Startup update check: %v", err)
			}
		}()
	}

	exe := executablePath()
	srv, err := server.New(cfg, orch, store, versionInfo.Version)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv.SetVitals(system.NewSampler(filepath.Dir(exe), system.DefaultTTL))

	checks := systemcheck.NewRunner(cfg, exe)
	srv.SetSystemChecks(checks)
	for _, res := range checks.Run(ctx) {
		if res.Status != systemcheck.StatusOK {
			logging.Warnf("System check %s: %s", res.ID, res.Message)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logging.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown: %v", err)
	}
	database.Checkpoint()
	return nil
}

func newOrchestrator(cfg *config.Config, history update.HistoryRecorder) *update.Orchestrator {
	var source update.Source
	switch cfg.UpdateSource {
	case config.SourceManifest:
		source = update.NewManifestSource(cfg.ManifestURL)
	default:
		source = update.NewGitHubUpdateSource(cfg.GitHubOwner, cfg.GitHubRepo)
	}

	return update.NewOrchestrator(
		update.NewFetcher(source, cfg.Channel()),
		update.NewSelfUpdateInstaller(),
		update.NewProcessRestarter(cfg.Restart(), database.Checkpoint),
		update.WithHistory(history),
	)
}

type historyPruner interface {
	PruneChecks(ctx context.Context, olderThan time.Duration) (int64, error)
}

// newScheduler registers the update check schedule plus the daily history
// pruning and log rotation jobs.
func newScheduler(cfg *config.Config, checker update.Checker, history historyPruner) (*update.Scheduler, error) {
	scheduler, err := update.NewScheduler(checker, cfg.CheckSchedule)
	if err != nil {
		return nil, err
	}
	if retention := cfg.HistoryRetention(); retention > 0 {
		if err := scheduler.AddMaintenance("prune-history", "@daily", pruneHistoryJob(history, retention)); err != nil {
			return nil, err
		}
	}
	if cfg.LogDir != "" {
		if err := scheduler.AddMaintenance("rotate-logs", "@daily", func(context.Context) error {
			return logging.RotateLogs()
		}); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func pruneHistoryJob(history historyPruner, retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		removed, err := history.PruneChecks(ctx, retention)
		if err != nil {
			return err
		}
		if removed > 0 {
			logging.Infof("Pruned %d update checks older than %s", removed, retention)
		}
		return nil
	}
}

// executablePath is the binary updates replace.
func executablePath() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

// normalizeListenAddr accepts a bare port ("3000") or a host:port address.
func normalizeListenAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("listen address is empty")
	}
	if !strings.Contains(addr, ":") {
		if err := validatePort(addr); err != nil {
			return "", err
		}
		return ":" + addr, nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if err := validatePort(port); err != nil {
		return "", err
	}
	return addr, nil
}

func validatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}

// serverURL turns the server's listen address into a URL the CLI can
// reach on this host.
func serverURL(listenAddr string) (string, error) {
	addr, err := normalizeListenAddr(listenAddr)
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
