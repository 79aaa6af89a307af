package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ontree-co/treemon/internal/update"
)

const (
	// DefaultListenAddr is the default address for the dashboard server.
	DefaultListenAddr = ":3000"
	// DefaultCheckSchedule runs an update check every six hours.
	DefaultCheckSchedule = "@every 6h"
	// DefaultHistoryRetentionDays bounds how long update checks are kept.
	DefaultHistoryRetentionDays = 90
	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "config.toml"
)

// Update sources.
const (
	SourceGitHub   = "github"
	SourceManifest = "manifest"
)

// Config holds all configuration settings for the application
type Config struct {
	// ListenAddr is the address and port for the web server
	ListenAddr string `toml:"listen_addr"`

	// DatabasePath is the path to the SQLite database holding update history
	DatabasePath string `toml:"database_path"`

	// LogDir receives treemon.log; empty logs to stdout only
	LogDir string `toml:"log_dir"`

	// UpdateChannel is "stable" or "beta"
	UpdateChannel string `toml:"update_channel"`

	// UpdateSource is "github" or "manifest"
	UpdateSource string `toml:"update_source"`
	GitHubOwner  string `toml:"github_owner"`
	GitHubRepo   string `toml:"github_repo"`
	ManifestURL  string `toml:"manifest_url"`

	// CheckSchedule is a cron spec for background update checks; empty disables them
	CheckSchedule  string `toml:"check_schedule"`
	CheckOnStartup bool   `toml:"check_on_startup"`

	// HistoryRetentionDays prunes older update checks daily; 0 keeps them all
	HistoryRetentionDays int `toml:"history_retention_days"`

	// RestartMode is "auto", "exec" or "exit"
	RestartMode string `toml:"restart_mode"`

	// AdminPasswordHash is a bcrypt hash; empty disables login
	AdminPasswordHash string `toml:"admin_password_hash"`
	SessionKey        string `toml:"session_key"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		DatabasePath:   "treemon.db",
		LogDir:         "logs",
		UpdateChannel:  string(update.ChannelStable),
		UpdateSource:   SourceGitHub,
		GitHubOwner:    "ontree-co",
		GitHubRepo:     "treemon",
		CheckSchedule:  DefaultCheckSchedule,
		CheckOnStartup: true,
		RestartMode:    string(update.RestartAuto),

		HistoryRetentionDays: DefaultHistoryRetentionDays,
	}
}

// Load reads TREEMON_CONFIG, or config.toml when it exists, then applies
// environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("TREEMON_CONFIG")
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	return LoadFile(path)
}

// LoadFile loads defaults, then path (if not empty), then the environment.
func LoadFile(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if config.DatabasePath != "" && !filepath.IsAbs(config.DatabasePath) {
		absPath, err := filepath.Abs(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database_path: %w", err)
		}
		config.DatabasePath = absPath
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LISTEN_ADDR":                 &c.ListenAddr,
		"DATABASE_PATH":               &c.DatabasePath,
		"TREEMON_LOG_DIR":             &c.LogDir,
		"TREEMON_UPDATE_CHANNEL":      &c.UpdateChannel,
		"TREEMON_UPDATE_SOURCE":       &c.UpdateSource,
		"TREEMON_GITHUB_OWNER":        &c.GitHubOwner,
		"TREEMON_GITHUB_REPO":         &c.GitHubRepo,
		"TREEMON_MANIFEST_URL":        &c.ManifestURL,
		"TREEMON_CHECK_SCHEDULE":      &c.CheckSchedule,
		"TREEMON_RESTART_MODE":        &c.RestartMode,
		"TREEMON_ADMIN_PASSWORD_HASH": &c.AdminPasswordHash,
		"TREEMON_SESSION_KEY":         &c.SessionKey,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("TREEMON_CHECK_ON_STARTUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TREEMON_CHECK_ON_STARTUP %q: %w", v, err)
		}
		c.CheckOnStartup = b
	}

	if v := os.Getenv("TREEMON_HISTORY_RETENTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TREEMON_HISTORY_RETENTION_DAYS %q: %w", v, err)
		}
		c.HistoryRetentionDays = days
	}
	return nil
}

// Validate checks enumerated values and source settings.
func (c *Config) Validate() error {
	if _, err := update.ParseChannel(c.UpdateChannel); err != nil {
		return err
	}
	if _, err := update.ParseRestartMode(c.RestartMode); err != nil {
		return err
	}
	switch c.UpdateSource {
	case SourceGitHub:
		if c.GitHubOwner == "" || c.GitHubRepo == "" {
			return fmt.Errorf("github_owner and github_repo are required for the github update source")
		}
	case SourceManifest:
		if c.ManifestURL == "" {
			return fmt.Errorf("manifest_url is required for the manifest update source")
		}
	default:
		return fmt.Errorf("invalid update_source %q (want github or manifest)", c.UpdateSource)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("history_retention_days must not be negative")
	}
	return nil
}

// Channel returns the validated update channel.
func (c *Config) Channel() update.UpdateChannel {
	ch, _ := update.ParseChannel(c.UpdateChannel) //nolint:errcheck // Validated on load
	return ch
}

// HistoryRetention returns how long update checks are kept, or 0 when
// pruning is disabled.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// Restart returns the validated restart mode.
func (c *Config) Restart() update.RestartMode {
	mode, _ := update.ParseRestartMode(c.RestartMode) //nolint:errcheck // Validated on load
	return mode
}

// String returns a string representation of the configuration. Secrets are
// not included.
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("ListenAddr: %s", c.ListenAddr))
	parts = append(parts, fmt.Sprintf("DatabasePath: %s", c.DatabasePath))
	parts = append(parts, fmt.Sprintf("UpdateChannel: %s", c.UpdateChannel))
	parts = append(parts, fmt.Sprintf("UpdateSource: %s", c.UpdateSource))
	parts = append(parts, fmt.Sprintf("CheckSchedule: %s", c.CheckSchedule))
	parts = append(parts, fmt.Sprintf("RestartMode: %s", c.RestartMode))
	parts = append(parts, fmt.Sprintf("LoginEnabled: %t", c.AdminPasswordHash != ""))
	return strings.Join(parts, ", ")
}
