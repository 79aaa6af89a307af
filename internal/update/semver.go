package update

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ontree-co/treemon/internal/version"
)

// isNewerVersion reports whether latest should replace current.
// An unparseable release is never newer. Development builds accept any
// parseable release.
func isNewerVersion(latest, current string) bool {
	lv, err := semver.NewVersion(latest)
	if err != nil {
		return false
	}
	if version.IsDevVersion(current) {
		return true
	}
	cv, err := semver.NewVersion(strings.TrimSpace(current))
	if err != nil {
		return true
	}
	return lv.GreaterThan(cv)
}

// normalizeVersion strips a leading "v" for display.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}
