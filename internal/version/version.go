// Package version provides build information about the running binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Set at build time using -ldflags. The defaults mark a local build, which
// the updater treats as older than any release.
var (
	// Version is the git tag version number.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the RFC3339 build timestamp.
	BuildDate = "unknown"
)

// Info holds all the version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Compiler  string `json:"compiler"`
	Platform  string `json:"platform"`
}

// Get returns the version information.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "-compiler":
				info.Compiler = setting.Value
			case "vcs.revision":
				if info.Commit == "unknown" {
					info.Commit = setting.Value
				}
			}
		}
	}
	if info.GoVersion == "" {
		info.GoVersion = runtime.Version()
	}
	info.Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)

	return info
}

// IsDevBuild reports whether the binary was built without a release tag.
func IsDevBuild() bool {
	return IsDevVersion(Version)
}

// IsDevVersion reports whether v is a placeholder rather than a release tag.
func IsDevVersion(v string) bool {
	switch strings.TrimSpace(v) {
	case "", "dev", "unknown":
		return true
	}
	return false
}

// GetVersionAge returns how long ago the binary was built, e.g. "3 days ago".
func GetVersionAge() string {
	return versionAge(BuildDate, time.Now())
}

func versionAge(buildDate string, now time.Time) string {
	if buildDate == "" || buildDate == "unknown" {
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, buildDate)
	if err != nil {
		return "unknown"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
