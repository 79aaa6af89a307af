package update

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/ontree-co/treemon/internal/logging"
)

// Restarter brings the process back up on the new binary. On success it
// does not return.
type Restarter interface {
	Restart(ctx context.Context) error
}

// RestartMode selects how ProcessRestarter restarts.
type RestartMode string

const (
	// RestartAuto exits under a supervisor and re-execs otherwise.
	RestartAuto RestartMode = "auto"
	// RestartExec replaces the process image in place.
	RestartExec RestartMode = "exec"
	// RestartExit exits and relies on systemd or similar to restart.
	RestartExit RestartMode = "exit"
)

// ParseRestartMode validates a restart mode name. Empty means auto.
func ParseRestartMode(s string) (RestartMode, error) {
	switch RestartMode(s) {
	case "", RestartAuto:
		return RestartAuto, nil
	case RestartExec, RestartExit:
		return RestartMode(s), nil
	default:
		return "", fmt.Errorf("invalid restart mode %q (want auto, exec or exit)", s)
	}
}

// ProcessRestarter restarts the current process.
type ProcessRestarter struct {
	Mode RestartMode
	// BeforeRestart runs first, e.g. to flush the database.
	BeforeRestart func()

	exec func(argv0 string, argv []string, envv []string) error
	exit func(code int)
}

// NewProcessRestarter creates a restarter for the given mode.
func NewProcessRestarter(mode RestartMode, beforeRestart func()) *ProcessRestarter {
	return &ProcessRestarter{
		Mode:          mode,
		BeforeRestart: beforeRestart,
		exec:          syscall.Exec,
		exit:          os.Exit,
	}
}

func (r *ProcessRestarter) Restart(_ context.Context) error {
	mode := r.Mode
	if mode == "" || mode == RestartAuto {
		if IsRunningAsService() {
			mode = RestartExit
		} else {
			mode = RestartExec
		}
	}

	if r.BeforeRestart != nil {
		r.BeforeRestart()
	}

	switch mode {
	case RestartExit:
		logging.Info("Exiting process to trigger supervisor restart...")
		r.exit(0)
		return nil
	case RestartExec:
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		logging.Infof("Re-executing %s", exe)
		if err := r.exec(exe, os.Args, os.Environ()); err != nil {
			return fmt.Errorf("failed to exec %s: %w", exe, err)
		}
		return nil
	default:
		return fmt.Errorf("invalid restart mode %q", mode)
	}
}
