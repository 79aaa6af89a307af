package update

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoUpdateAvailable means the source has nothing newer than the
	// running version.
	ErrNoUpdateAvailable = errors.New("no update available")
	// ErrNoAsset means the release has no build for this platform.
	ErrNoAsset = errors.New("no asset for platform")
	// ErrInstallInProgress rejects a check or install while an install runs.
	ErrInstallInProgress = errors.New("update install already in progress")
	// ErrCheckInProgress rejects an install or check while a check runs.
	ErrCheckInProgress = errors.New("update check already in progress")
	// ErrInvalidTransition is returned for operations the current state
	// does not allow.
	ErrInvalidTransition = errors.New("invalid update state transition")
	// ErrRestartFailed wraps a failed restart request.
	ErrRestartFailed = errors.New("restart failed")
	// ErrIncompleteDownload means the event stream closed without Finished.
	ErrIncompleteDownload = errors.New("download ended before completion")
	// ErrChecksumMismatch means the downloaded asset failed verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrInsufficientDiskSpace means the preflight found too little room.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")
)

// FetchError is a network or parse failure while checking for updates.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch update metadata from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// InstallError is a failed install attempt.
type InstallError struct {
	Version string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("failed to install version %s: %v", e.Version, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// UserMessage turns an install error into something safe to show in the
// dashboard. The technical error is logged separately.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case errors.Is(err, ErrChecksumMismatch) || strings.Contains(msg, "checksum"):
		return "Update verification failed. The downloaded file may be corrupted. Please try again."
	case errors.Is(err, ErrInsufficientDiskSpace):
		return "Not enough free disk space to download the update."
	case errors.Is(err, ErrNoAsset) || strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return "Update package not found. The update may not be available yet. Please try again later."
	case errors.Is(err, ErrIncompleteDownload) || strings.Contains(msg, "download") || strings.Contains(msg, "network"):
		return "Failed to download the update. Please check your internet connection and try again."
	case strings.Contains(msg, "permission"):
		return "Permission denied. Please ensure treemon has write access to its installation directory."
	default:
		return "The update process failed. Please try again later."
	}
}
