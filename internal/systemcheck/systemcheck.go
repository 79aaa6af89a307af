// Package systemcheck verifies that the host can store update history and
// install new treemon binaries.
package systemcheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ontree-co/treemon/internal/config"
	"github.com/ontree-co/treemon/internal/update"
)

// DefaultMinFreeSpace is the free space wanted next to the binary: a
// downloaded archive plus the extracted replacement.
const DefaultMinFreeSpace = 200 * 1024 * 1024

// Status represents the health status of a system check.
type Status string

const (
	// StatusOK indicates the check passed successfully.
	StatusOK Status = "ok"
	// StatusWarning indicates the check passed with a caveat.
	StatusWarning Status = "warning"
	// StatusError indicates the check failed.
	StatusError Status = "error"
)

// CheckResult represents the result of a single system check.
type CheckResult struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      Status   `json:"status"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// Runner executes system health checks.
type Runner struct {
	cfg          *config.Config
	executable   string
	minFreeSpace uint64

	freeSpace func(ctx context.Context, path string) (uint64, error)
	isService func() bool
}

// NewRunner creates a runner for the given configuration and the path of
// the running binary.
func NewRunner(cfg *config.Config, executable string) *Runner {
	return &Runner{
		cfg:          cfg,
		executable:   executable,
		minFreeSpace: DefaultMinFreeSpace,
		freeSpace:    diskFree,
		isService:    update.IsRunningAsService,
	}
}

// Run executes all system checks and returns the results.
func (r *Runner) Run(ctx context.Context) []CheckResult {
	return []CheckResult{
		r.checkDirectories(),
		r.checkInstallTarget(),
		r.checkDiskSpace(ctx),
		r.checkRestart(),
	}
}

// Healthy reports whether no result is an error.
func Healthy(results []CheckResult) bool {
	for _, res := range results {
		if res.Status == StatusError {
			return false
		}
	}
	return true
}

func (r *Runner) checkDirectories() CheckResult {
	paths := []string{filepath.Dir(r.cfg.DatabasePath), r.cfg.LogDir}

	seen := make(map[string]struct{})
	created := make([]string, 0, len(paths))

	for _, p := range paths {
		if p == "" || p == "." {
			continue
		}
		if _, exists := seen[p]; exists {
			continue
		}

		if err := os.MkdirAll(p, 0o755); err != nil { //nolint:gosec // Directory permissions appropriate
			return CheckResult{
				ID:          "directories",
				Name:        "Prepare data directories",
				Status:      StatusError,
				Message:     fmt.Sprintf("Failed to prepare %s", p),
				Details:     err.Error(),
				Remediation: directoryRemediation(p),
			}
		}
		seen[p] = struct{}{}
		created = append(created, p)
	}

	return CheckResult{
		ID:      "directories",
		Name:    "Prepare data directories",
		Status:  StatusOK,
		Message: "Data directories are ready",
		Details: strings.Join(created, "\n"),
	}
}

// checkInstallTarget confirms the binary's directory accepts new files,
// which the installer needs for the replacement and its backup.
func (r *Runner) checkInstallTarget() CheckResult {
	dir := filepath.Dir(r.executable)
	tmp, err := os.CreateTemp(dir, ".treemon-write-check-*")
	if err != nil {
		return CheckResult{
			ID:          "install_target",
			Name:        "Install location",
			Status:      StatusError,
			Message:     fmt.Sprintf("Cannot write to %s, updates will fail", dir),
			Details:     err.Error(),
			Remediation: directoryRemediation(dir),
		}
	}
	name := tmp.Name()
	tmp.Close()     //nolint:errcheck,gosec // Write check file
	os.Remove(name) //nolint:errcheck,gosec // Write check file

	return CheckResult{
		ID:      "install_target",
		Name:    "Install location",
		Status:  StatusOK,
		Message: fmt.Sprintf("%s is writable", dir),
		Details: r.executable,
	}
}

func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	dir := filepath.Dir(r.executable)
	free, err := r.freeSpace(ctx, dir)
	if err != nil {
		return CheckResult{
			ID:      "disk_space",
			Name:    "Free disk space",
			Status:  StatusWarning,
			Message: "Could not determine free disk space",
			Details: err.Error(),
		}
	}
	if free < r.minFreeSpace {
		return CheckResult{
			ID:          "disk_space",
			Name:        "Free disk space",
			Status:      StatusError,
			Message:     fmt.Sprintf("Only %s free in %s, updates need %s", humanize.IBytes(free), dir, humanize.IBytes(r.minFreeSpace)),
			Remediation: []string{fmt.Sprintf("Free up space on the filesystem holding %s", dir)},
		}
	}
	return CheckResult{
		ID:      "disk_space",
		Name:    "Free disk space",
		Status:  StatusOK,
		Message: fmt.Sprintf("%s free in %s", humanize.IBytes(free), dir),
	}
}

// checkRestart reports how an installed update will be activated.
func (r *Runner) checkRestart() CheckResult {
	mode := r.cfg.Restart()
	res := CheckResult{
		ID:     "restart",
		Name:   "Restart after update",
		Status: StatusOK,
	}
	switch {
	case mode == update.RestartExit && !r.isService():
		res.Status = StatusWarning
		res.Message = "restart_mode is exit but no service manager was detected"
		res.Remediation = restartRemediation()
	case mode == update.RestartExit, mode == update.RestartAuto && r.isService():
		res.Message = "The service manager restarts treemon after an update"
	default:
		res.Message = "treemon re-executes itself after an update"
	}
	return res
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func directoryRemediation(path string) []string {
	return []string{
		fmt.Sprintf("Create the directory: sudo mkdir -p %s", path),
		fmt.Sprintf("Set permissions: sudo chmod 755 %s", path),
		fmt.Sprintf("Set ownership: sudo chown $USER %s", path),
	}
}

func restartRemediation() []string {
	return []string{
		"Run treemon under systemd with Restart=always",
		"Or set restart_mode = \"exec\" in config.toml",
	}
}
