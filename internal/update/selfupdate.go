// Package update checks for new treemon releases, downloads them while
// reporting byte progress, and replaces the running binary.
package update

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/minio/selfupdate"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/progress"
)

// maxBinarySize limits downloads and extraction to prevent decompression
// bombs.
const maxBinarySize = 200 * 1024 * 1024

// Installer downloads and applies an update, emitting download events on
// events. It must not close events.
type Installer interface {
	Install(ctx context.Context, meta *Metadata, events chan<- progress.Event) error
}

// SelfUpdateInstaller replaces a binary on disk using minio/selfupdate.
type SelfUpdateInstaller struct {
	HTTPClient *http.Client
	// BinaryName is the file looked up inside tar.gz archives.
	BinaryName string
	// TargetPath defaults to the running executable.
	TargetPath string
	// TempDir holds the downloaded asset; defaults to os.TempDir.
	TempDir string
	// KeepBackup keeps the replaced binary next to the target as .backup.
	KeepBackup bool

	// freeSpace is overridden in tests
	freeSpace func(ctx context.Context, path string) (uint64, error)
}

// NewSelfUpdateInstaller creates an installer for the running executable.
func NewSelfUpdateInstaller() *SelfUpdateInstaller {
	return &SelfUpdateInstaller{
		// No client timeout; the download is bounded by the context
		HTTPClient: &http.Client{},
		BinaryName: "treemon",
		KeepBackup: true,
	}
}

// Install streams the asset to a temp file, verifies it, extracts the
// binary and swaps it in. Started, Progress and Finished are emitted while
// the asset downloads.
func (i *SelfUpdateInstaller) Install(ctx context.Context, meta *Metadata, events chan<- progress.Event) error {
	if meta == nil || meta.Asset == nil || meta.Asset.URL == "" {
		return fmt.Errorf("%w: missing download URL", ErrNoAsset)
	}
	asset := meta.Asset

	tempDir := i.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := i.checkDiskSpace(ctx, tempDir, asset.Size); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(tempDir, "treemon-update-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Cleanup
	defer tmp.Close()           //nolint:errcheck // Cleanup

	checksum, err := i.download(ctx, asset, tmp, events)
	if err != nil {
		return err
	}

	if asset.SHA256 != "" && !strings.EqualFold(asset.SHA256, checksum) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, asset.SHA256, checksum)
	}

	if err := send(ctx, events, progress.Finished{}); err != nil {
		return err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind download: %w", err)
	}

	binary, err := i.openBinary(tmp, asset)
	if err != nil {
		return err
	}

	if err := i.apply(binary); err != nil {
		return err
	}

	logging.Infof("Successfully updated to version %s", meta.AvailableVersion)
	return nil
}

// download writes the asset into dst, emitting Started and one Progress per
// chunk written. It returns the hex SHA-256 of what was written.
func (i *SelfUpdateInstaller) download(ctx context.Context, asset *Asset, dst io.Writer, events chan<- progress.Event) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())

	client := i.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download update: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download update (HTTP %d)", resp.StatusCode)
	}

	started := progress.Started{}
	if resp.ContentLength >= 0 {
		started.ContentLength = progress.Length(uint64(resp.ContentLength))
	}
	if err := send(ctx, events, started); err != nil {
		return "", err
	}

	hasher := sha256.New()
	counter := &chunkEmitter{ctx: ctx, events: events}
	limited := io.LimitReader(resp.Body, maxBinarySize+1)
	n, err := io.Copy(io.MultiWriter(dst, hasher, counter), limited)
	if err != nil {
		return "", fmt.Errorf("failed to download update: %w", err)
	}
	if n > maxBinarySize {
		return "", fmt.Errorf("update download exceeds %d bytes", maxBinarySize)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// openBinary returns a reader over the executable inside the download.
func (i *SelfUpdateInstaller) openBinary(f *os.File, asset *Asset) (io.Reader, error) {
	if asset.archiveKind() != ArchiveTarGz {
		return io.LimitReader(f, maxBinarySize), nil
	}

	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}

	name := i.BinaryName
	if name == "" {
		name = "treemon"
	}

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s binary not found in archive", name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		// The binary might be in the root or in a directory
		if filepath.Base(header.Name) == name {
			return io.LimitReader(tarReader, maxBinarySize), nil
		}
	}
}

func (i *SelfUpdateInstaller) apply(binary io.Reader) error {
	opts := selfupdate.Options{TargetPath: i.TargetPath}
	if i.KeepBackup {
		target := i.TargetPath
		if target == "" {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to get executable path: %w", err)
			}
			target = exe
		}
		opts.OldSavePath = target + ".backup"
	}

	if err := selfupdate.Apply(binary, opts); err != nil {
		if rerr := selfupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("update failed and rollback failed: %v, rollback error: %v", err, rerr)
		}
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// checkDiskSpace requires room for the download plus the extracted binary.
func (i *SelfUpdateInstaller) checkDiskSpace(ctx context.Context, dir string, size int64) error {
	if size <= 0 {
		return nil
	}
	freeSpace := i.freeSpace
	if freeSpace == nil {
		freeSpace = diskFree
	}
	free, err := freeSpace(ctx, dir)
	if err != nil {
		logging.Warnf("Could not determine free disk space in %s: %v", dir, err)
		return nil
	}
	need := uint64(size) * 2
	if free < need {
		return fmt.Errorf("%w: need %d bytes in %s, have %d", ErrInsufficientDiskSpace, need, dir, free)
	}
	return nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// chunkEmitter turns every write into a Progress event.
type chunkEmitter struct {
	ctx    context.Context
	events chan<- progress.Event
}

func (c *chunkEmitter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := send(c.ctx, c.events, progress.Progress{ChunkLength: uint64(len(p))}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func send(ctx context.Context, events chan<- progress.Event, ev progress.Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunningAsService checks if the binary is running under systemd or similar
func IsRunningAsService() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	// Init as parent on Linux means a supervisor will bring us back
	return runtime.GOOS == "linux" && os.Getppid() == 1
}

