package update

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// UpdateChannel represents the update channel (stable or beta)
//
//nolint:revive // Name is intentional - clearer than "Channel" in this context
type UpdateChannel string

const (
	// ChannelStable represents the stable update channel.
	ChannelStable UpdateChannel = "stable"
	// ChannelBeta represents the beta update channel.
	ChannelBeta UpdateChannel = "beta"
)

// ParseChannel validates a channel name. An empty name means stable.
func ParseChannel(s string) (UpdateChannel, error) {
	switch UpdateChannel(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChannelStable:
		return ChannelStable, nil
	case ChannelBeta:
		return ChannelBeta, nil
	default:
		return "", fmt.Errorf("invalid update channel %q (want stable or beta)", s)
	}
}

// ArchiveKind describes how the downloaded asset wraps the binary.
type ArchiveKind string

const (
	ArchiveTarGz  ArchiveKind = "tar.gz"
	ArchiveBinary ArchiveKind = "binary"
)

// Asset represents a downloadable binary asset
type Asset struct {
	Name    string      `json:"name" yaml:"name"`
	URL     string      `json:"url" yaml:"url"`
	SHA256  string      `json:"sha256,omitempty" yaml:"sha256"`
	Size    int64       `json:"size,omitempty" yaml:"size"`
	Archive ArchiveKind `json:"archive,omitempty" yaml:"archive"`
}

// archiveKind returns the explicit archive kind or infers it from the name
// or URL.
func (a *Asset) archiveKind() ArchiveKind {
	if a.Archive != "" {
		return a.Archive
	}
	for _, s := range []string{a.Name, a.URL} {
		if strings.HasSuffix(s, ".tar.gz") || strings.HasSuffix(s, ".tgz") {
			return ArchiveTarGz
		}
	}
	return ArchiveBinary
}

// Release is what a Source reports as the newest build on a channel.
type Release struct {
	Version     string
	Notes       string
	PublishedAt time.Time
	Asset       *Asset
}

// Metadata describes an available update. It is immutable once fetched and
// replaced wholesale by the next check.
type Metadata struct {
	AvailableVersion string        `json:"available_version"`
	CurrentVersion   string        `json:"current_version"`
	Notes            string        `json:"notes,omitempty"`
	PublishDate      string        `json:"publish_date,omitempty"`
	Channel          UpdateChannel `json:"channel"`
	Asset            *Asset        `json:"-"`
}

// PublishedAt parses PublishDate. ok is false when the date is missing or
// not RFC 3339.
func (m *Metadata) PublishedAt() (time.Time, bool) {
	if m == nil || m.PublishDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, m.PublishDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CurrentPlatform returns the asset key for the running binary, e.g.
// "linux_amd64".
func CurrentPlatform() string {
	return runtime.GOOS + "_" + runtime.GOARCH
}

// platformFromAssetName maps release file names such as
// treemon_1.2.0_linux_x86_64.tar.gz to a platform key.
func platformFromAssetName(name string) string {
	lower := strings.ToLower(name)
	var goos string
	switch {
	case strings.Contains(lower, "linux"):
		goos = "linux"
	case strings.Contains(lower, "darwin"), strings.Contains(lower, "macos"):
		goos = "darwin"
	default:
		return ""
	}

	switch {
	case strings.Contains(lower, "x86_64"), strings.Contains(lower, "amd64"):
		return goos + "_amd64"
	case strings.Contains(lower, "aarch64"), strings.Contains(lower, "arm64"):
		return goos + "_arm64"
	default:
		return ""
	}
}
