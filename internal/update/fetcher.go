package update

import (
	"context"
	"fmt"
	"time"

	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/version"
)

// Fetcher queries a Source and compares the result with the running
// version. It holds no mutable state and is safe for concurrent use.
type Fetcher struct {
	source         Source
	channel        UpdateChannel
	currentVersion string
}

// NewFetcher creates a fetcher for the running binary's version.
func NewFetcher(source Source, channel UpdateChannel) *Fetcher {
	return NewFetcherForVersion(source, channel, version.Get().Version)
}

// NewFetcherForVersion creates a fetcher that compares against an explicit
// current version.
func NewFetcherForVersion(source Source, channel UpdateChannel, currentVersion string) *Fetcher {
	if channel == "" {
		channel = ChannelStable
	}
	return &Fetcher{
		source:         source,
		channel:        channel,
		currentVersion: currentVersion,
	}
}

// CurrentVersion returns the version updates are compared against.
func (f *Fetcher) CurrentVersion() string {
	return f.currentVersion
}

// Channel returns the configured channel.
func (f *Fetcher) Channel() UpdateChannel {
	return f.channel
}

// Fetch returns metadata for a newer release. It returns an error wrapping
// ErrNoUpdateAvailable when the running version is current, and a
// *FetchError for network or parse failures.
func (f *Fetcher) Fetch(ctx context.Context) (*Metadata, error) {
	logging.Debugf("Checking for updates on channel %s via %s", f.channel, f.source.Name())

	release, err := f.source.Latest(ctx, f.channel)
	if err != nil {
		return nil, &FetchError{Source: f.source.Name(), Err: err}
	}

	if !isNewerVersion(release.Version, f.currentVersion) {
		return nil, fmt.Errorf("%w (current: %s, latest: %s)", ErrNoUpdateAvailable, f.currentVersion, release.Version)
	}

	if release.Asset == nil {
		return nil, &FetchError{
			Source: f.source.Name(),
			Err:    fmt.Errorf("%w %s in release %s", ErrNoAsset, CurrentPlatform(), release.Version),
		}
	}

	meta := &Metadata{
		AvailableVersion: release.Version,
		CurrentVersion:   f.currentVersion,
		Notes:            release.Notes,
		Channel:          f.channel,
		Asset:            release.Asset,
	}
	if !release.PublishedAt.IsZero() {
		meta.PublishDate = release.PublishedAt.UTC().Format(time.RFC3339)
	}
	return meta, nil
}
