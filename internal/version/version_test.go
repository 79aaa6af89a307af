package version

import (
	"runtime"
	"testing"
	"time"
)

func TestVersionAge(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		buildDate string
		want      string
	}{
		{"unknown", "unknown"},
		{"", "unknown"},
		{"yesterday", "unknown"},
		{"2025-06-07T12:00:00Z", "3 days ago"},
		{"2025-06-10T10:00:00Z", "2 hours ago"},
	}
	for _, tt := range tests {
		if got := versionAge(tt.buildDate, now); got != tt.want {
			t.Errorf("versionAge(%q) = %q, want %q", tt.buildDate, got, tt.want)
		}
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.GoVersion == "" {
		t.Error("GoVersion is empty")
	}
}

func TestIsDevBuild(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "dev"
	if !IsDevBuild() {
		t.Error("dev should be a dev build")
	}
	Version = "v1.2.0"
	if IsDevBuild() {
		t.Error("v1.2.0 should not be a dev build")
	}
}

func TestIsDevVersion(t *testing.T) {
	tests := []struct {
		v    string
		want bool
	}{
		{"", true},
		{"dev", true},
		{" unknown ", true},
		{"1.0.0", false},
		{"nightly-abc", false},
	}
	for _, tt := range tests {
		if got := IsDevVersion(tt.v); got != tt.want {
			t.Errorf("IsDevVersion(%q) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
