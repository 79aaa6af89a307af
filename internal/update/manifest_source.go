package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestSource reads a static per-channel YAML manifest, e.g.
// https://updates.example.com/stable.yml:
//
//	version: 1.4.0
//	release_date: 2025-03-01T10:00:00Z
//	release_notes: |
//	  Faster sensor polling.
//	assets:
//	  linux_amd64:
//	    url: https://updates.example.com/treemon_1.4.0_linux_x86_64.tar.gz
//	    sha256: 9f86d08...
//	    size: 12345678
type ManifestSource struct {
	BaseURL    string
	Platform   string
	HTTPClient *http.Client
}

// UpdateManifest represents the YAML structure served by the update host
//
//nolint:revive // Name is intentional - clearer than "Manifest" in this context
type UpdateManifest struct {
	Version      string            `yaml:"version"`
	ReleaseDate  time.Time         `yaml:"release_date"`
	ReleaseNotes string            `yaml:"release_notes"`
	Assets       map[string]*Asset `yaml:"assets"`
}

// NewManifestSource creates a manifest source rooted at baseURL.
func NewManifestSource(baseURL string) *ManifestSource {
	return &ManifestSource{
		BaseURL:  baseURL,
		Platform: CurrentPlatform(),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *ManifestSource) Name() string {
	return s.BaseURL
}

// Latest fetches <BaseURL>/<channel>.yml.
func (s *ManifestSource) Latest(ctx context.Context, channel UpdateChannel) (*Release, error) {
	if channel == "" {
		channel = ChannelStable
	}
	url := fmt.Sprintf("%s/%s.yml", strings.TrimSuffix(s.BaseURL, "/"), channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var manifest UpdateManifest
	if err := yaml.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if manifest.Version == "" {
		return nil, fmt.Errorf("manifest has no version")
	}

	release := &Release{
		Version:     normalizeVersion(manifest.Version),
		Notes:       manifest.ReleaseNotes,
		PublishedAt: manifest.ReleaseDate,
	}
	if asset, ok := manifest.Assets[s.Platform]; ok && asset != nil && asset.URL != "" {
		a := *asset
		a.SHA256 = strings.ToLower(a.SHA256)
		release.Asset = &a
	}
	return release, nil
}
