package update

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ontree-co/treemon/internal/version"
)

// Source reports the newest release on a channel.
type Source interface {
	Name() string
	Latest(ctx context.Context, channel UpdateChannel) (*Release, error)
}

const defaultGitHubAPI = "https://api.github.com"

// GitHubUpdateSource fetches updates from GitHub releases
type GitHubUpdateSource struct {
	Owner      string
	Repo       string
	BaseURL    string
	Platform   string
	HTTPClient *http.Client
}

// NewGitHubUpdateSource creates a new GitHub update source
func NewGitHubUpdateSource(owner, repo string) *GitHubUpdateSource {
	return &GitHubUpdateSource{
		Owner:    owner,
		Repo:     repo,
		BaseURL:  defaultGitHubAPI,
		Platform: CurrentPlatform(),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GitHubRelease represents a GitHub release
type GitHubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Body        string        `json:"body"`
	Prerelease  bool          `json:"prerelease"`
	Draft       bool          `json:"draft"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []GitHubAsset `json:"assets"`
}

// GitHubAsset represents a GitHub release asset
type GitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

func (s *GitHubUpdateSource) Name() string {
	return fmt.Sprintf("github.com/%s/%s", s.Owner, s.Repo)
}

// Latest returns the latest stable release, or the latest prerelease on
// the beta channel.
func (s *GitHubUpdateSource) Latest(ctx context.Context, channel UpdateChannel) (*Release, error) {
	base := strings.TrimSuffix(s.BaseURL, "/")
	if base == "" {
		base = defaultGitHubAPI
	}

	var apiURL string
	if channel == ChannelBeta {
		apiURL = fmt.Sprintf("%s/repos/%s/%s/releases", base, s.Owner, s.Repo)
	} else {
		apiURL = fmt.Sprintf("%s/repos/%s/%s/releases/latest", base, s.Owner, s.Repo)
	}

	resp, err := s.get(ctx, apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch releases: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var release *GitHubRelease
	if channel == ChannelBeta {
		var releases []GitHubRelease
		if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
			return nil, fmt.Errorf("failed to decode releases: %w", err)
		}
		for i := range releases {
			if releases[i].Prerelease && !releases[i].Draft {
				release = &releases[i]
				break
			}
		}
		if release == nil {
			return nil, fmt.Errorf("no beta releases found")
		}
	} else {
		var single GitHubRelease
		if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
			return nil, fmt.Errorf("failed to decode release: %w", err)
		}
		release = &single
	}

	return s.toRelease(ctx, release)
}

func (s *GitHubUpdateSource) toRelease(ctx context.Context, release *GitHubRelease) (*Release, error) {
	if release.TagName == "" {
		return nil, fmt.Errorf("release has no tag")
	}

	var checksums map[string]string
	for _, asset := range release.Assets {
		if asset.Name == "checksums.txt" {
			var err error
			checksums, err = s.downloadChecksums(ctx, asset.BrowserDownloadURL)
			if err != nil {
				// Continue without checksums
				checksums = nil
			}
			break
		}
	}

	out := &Release{
		Version:     normalizeVersion(release.TagName),
		Notes:       release.Body,
		PublishedAt: release.PublishedAt,
	}

	for _, asset := range release.Assets {
		if isAuxiliaryAsset(asset.Name) || platformFromAssetName(asset.Name) != s.Platform {
			continue
		}
		out.Asset = &Asset{
			Name:   asset.Name,
			URL:    asset.BrowserDownloadURL,
			Size:   asset.Size,
			SHA256: checksums[asset.Name],
		}
		// Prefer archives over bare binaries when both are published
		if out.Asset.archiveKind() == ArchiveTarGz {
			break
		}
	}

	return out, nil
}

func isAuxiliaryAsset(name string) bool {
	for _, suffix := range []string{".txt", ".sha256", ".sig", ".asc", ".pem", ".sbom.json"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// downloadChecksums downloads and parses the checksums.txt file
func (s *GitHubUpdateSource) downloadChecksums(ctx context.Context, url string) (map[string]string, error) {
	resp, err := s.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download checksums: status %d", resp.StatusCode)
	}

	return parseChecksums(io.LimitReader(resp.Body, 1<<20))
}

// parseChecksums reads "<sha256>  <filename>" lines.
func parseChecksums(r io.Reader) (map[string]string, error) {
	checksums := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 2 {
			checksums[strings.TrimPrefix(parts[1], "*")] = strings.ToLower(parts[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}
	return checksums, nil
}

func (s *GitHubUpdateSource) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// GitHub API requires a user agent
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func userAgent() string {
	return "treemon-updater/" + version.Get().Version
}
