package progress

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders n with one decimal in binary units, e.g. "1.5 MB".
func FormatBytes(n uint64) string {
	return formatInUnit(n, unitFor(n))
}

// unitFor returns the index of the largest unit that keeps n at or above 1.
func unitFor(n uint64) int {
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return unit
}

func formatInUnit(n uint64, unit int) string {
	return fmt.Sprintf("%.1f %s", float64(n)/math.Pow(1024, float64(unit)), byteUnits[unit])
}

// SizeText renders "downloaded / total" with both values in the unit of the
// larger one. It returns ok=false unless both values are known.
func SizeText(downloaded, total *uint64) (string, bool) {
	if downloaded == nil || total == nil {
		return "", false
	}
	unit := unitFor(max(*downloaded, *total))
	return formatInUnit(*downloaded, unit) + " / " + formatInUnit(*total, unit), true
}

// RoundPercent rounds a raw percentage half-up for display and clamps it to
// [0, 100].
func RoundPercent(raw float64) int {
	if math.IsNaN(raw) || raw <= 0 {
		return 0
	}
	rounded := math.Floor(raw + 0.5)
	if rounded >= 100 {
		return 100
	}
	return int(rounded)
}

// FormatPercent renders the clamped integer percent of p, or "" when the
// total is unknown.
func FormatPercent(p DownloadProgress) string {
	percent, ok := p.Percent()
	if !ok {
		return ""
	}
	return strconv.Itoa(percent) + "%"
}

// View is the rendered form of a DownloadProgress.
type View struct {
	Percent  string `json:"percent,omitempty"`
	SizeText string `json:"size_text,omitempty"`
	ETA      string `json:"eta,omitempty"`
}

// Render builds the display strings for p. elapsed is the time since the
// attempt started and is only used for the remaining time estimate.
func Render(p DownloadProgress, elapsed time.Duration) View {
	v := View{Percent: FormatPercent(p)}
	if p.Total != nil {
		downloaded := p.Downloaded
		v.SizeText, _ = SizeText(&downloaded, p.Total)
	}
	if percent, ok := p.Percent(); ok && !p.Finished {
		v.ETA = FormatETA(elapsed, percent)
	}
	return v
}

// FormatETA estimates the remaining time from the elapsed time and current
// percent. It returns "" until there is meaningful progress.
func FormatETA(elapsed time.Duration, percent int) string {
	if percent <= 5 || percent >= 100 || elapsed <= 0 {
		return ""
	}
	totalEstimated := time.Duration(float64(elapsed) * (100.0 / float64(percent)))
	remaining := totalEstimated - elapsed
	if remaining <= 0 {
		return ""
	}
	return formatDuration(remaining)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "< 1m"
	}

	minutes := int(d.Minutes())
	if minutes < 60 {
		return strconv.Itoa(minutes) + "m"
	}

	hours := minutes / 60
	remainingMinutes := minutes % 60
	if remainingMinutes == 0 {
		return strconv.Itoa(hours) + "h"
	}
	return strconv.Itoa(hours) + "h " + strconv.Itoa(remainingMinutes) + "m"
}
