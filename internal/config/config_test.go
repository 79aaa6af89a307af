package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ontree-co/treemon/internal/update"
)

var envKeys = []string{
	"TREEMON_CONFIG", "LISTEN_ADDR", "DATABASE_PATH", "TREEMON_LOG_DIR",
	"TREEMON_UPDATE_CHANNEL", "TREEMON_UPDATE_SOURCE", "TREEMON_GITHUB_OWNER",
	"TREEMON_GITHUB_REPO", "TREEMON_MANIFEST_URL", "TREEMON_CHECK_SCHEDULE",
	"TREEMON_CHECK_ON_STARTUP", "TREEMON_RESTART_MODE",
	"TREEMON_ADMIN_PASSWORD_HASH", "TREEMON_SESSION_KEY",
	"TREEMON_HISTORY_RETENTION_DAYS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if !filepath.IsAbs(cfg.DatabasePath) || filepath.Base(cfg.DatabasePath) != "treemon.db" {
		t.Errorf("DatabasePath = %q, want absolute treemon.db", cfg.DatabasePath)
	}
	if cfg.Channel() != update.ChannelStable {
		t.Errorf("Channel = %s, want stable", cfg.Channel())
	}
	if cfg.Restart() != update.RestartAuto {
		t.Errorf("Restart = %s, want auto", cfg.Restart())
	}
	if cfg.CheckSchedule != DefaultCheckSchedule || !cfg.CheckOnStartup {
		t.Errorf("schedule = %q startup = %v", cfg.CheckSchedule, cfg.CheckOnStartup)
	}
	if cfg.HistoryRetention() != DefaultHistoryRetentionDays*24*time.Hour {
		t.Errorf("HistoryRetention = %v", cfg.HistoryRetention())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "file values",
			file: `
listen_addr = ":9000"
database_path = "/var/lib/treemon/history.db"
update_channel = "beta"
update_source = "manifest"
manifest_url = "https://updates.example.com/treemon"
check_schedule = "0 3 * * *"
check_on_startup = false
restart_mode = "exit"
history_retention_days = 30
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.ListenAddr != ":9000" || cfg.DatabasePath != "/var/lib/treemon/history.db" {
					t.Errorf("addr/db = %s %s", cfg.ListenAddr, cfg.DatabasePath)
				}
				if cfg.Channel() != update.ChannelBeta || cfg.UpdateSource != SourceManifest {
					t.Errorf("channel/source = %s %s", cfg.Channel(), cfg.UpdateSource)
				}
				if cfg.CheckSchedule != "0 3 * * *" || cfg.CheckOnStartup {
					t.Errorf("schedule = %q startup = %v", cfg.CheckSchedule, cfg.CheckOnStartup)
				}
				if cfg.Restart() != update.RestartExit {
					t.Errorf("Restart = %s", cfg.Restart())
				}
				if cfg.HistoryRetention() != 30*24*time.Hour {
					t.Errorf("HistoryRetention = %v", cfg.HistoryRetention())
				}
			},
		},
		{
			name: "environment overrides file",
			file: `listen_addr = ":9000"` + "\n" + `update_channel = "beta"`,
			envVars: map[string]string{
				"LISTEN_ADDR":                    ":8080",
				"DATABASE_PATH":                  "/custom/db.sqlite",
				"TREEMON_UPDATE_CHANNEL":         "stable",
				"TREEMON_CHECK_ON_STARTUP":       "false",
				"TREEMON_HISTORY_RETENTION_DAYS": "0",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.ListenAddr != ":8080" || cfg.DatabasePath != "/custom/db.sqlite" {
					t.Errorf("addr/db = %s %s", cfg.ListenAddr, cfg.DatabasePath)
				}
				if cfg.Channel() != update.ChannelStable || cfg.CheckOnStartup {
					t.Errorf("channel = %s startup = %v", cfg.Channel(), cfg.CheckOnStartup)
				}
				if cfg.HistoryRetention() != 0 {
					t.Errorf("HistoryRetention = %v, want pruning disabled", cfg.HistoryRetention())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := LoadFile(writeConfig(t, tt.file))
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		envVars map[string]string
		wantErr string
	}{
		{name: "bad toml", file: `listen_addr = `, wantErr: "failed to decode"},
		{name: "bad channel", file: `update_channel = "nightly"`, wantErr: "nightly"},
		{name: "bad restart mode", file: `restart_mode = "reboot"`, wantErr: "reboot"},
		{name: "bad source", file: `update_source = "ftp"`, wantErr: "update_source"},
		{name: "manifest without url", file: `update_source = "manifest"`, wantErr: "manifest_url"},
		{name: "bad bool env", envVars: map[string]string{"TREEMON_CHECK_ON_STARTUP": "maybe"}, wantErr: "TREEMON_CHECK_ON_STARTUP"},
		{name: "negative retention", file: `history_retention_days = -1`, wantErr: "history_retention_days"},
		{name: "bad retention env", envVars: map[string]string{"TREEMON_HISTORY_RETENTION_DAYS": "forever"}, wantErr: "TREEMON_HISTORY_RETENTION_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			_, err := LoadFile(writeConfig(t, tt.file))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadUsesTreemonConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("TREEMON_CONFIG", writeConfig(t, `listen_addr = ":7777"`))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, want :7777", cfg.ListenAddr)
	}
}

func TestStringOmitsSecrets(t *testing.T) {
	cfg := defaultConfig()
	cfg.AdminPasswordHash = "$2a$10$secret"
	cfg.SessionKey = "super-secret-key"

	s := cfg.String()
	if strings.Contains(s, "secret") {
		t.Errorf("String() leaks secrets: %s", s)
	}
	if !strings.Contains(s, "LoginEnabled: true") {
		t.Errorf("String() = %s", s)
	}
}
