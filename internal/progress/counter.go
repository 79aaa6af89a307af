package progress

import (
	"math"
	"math/bits"
)

// DownloadProgress is the folded state of one download attempt.
// Downloaded always equals the sum of every consumed ChunkLength.
type DownloadProgress struct {
	Downloaded uint64  `json:"downloaded"`
	Total      *uint64 `json:"total,omitempty"`
	Started    bool    `json:"started"`
	Finished   bool    `json:"finished"`
}

// Violation describes an event that broke the Started, Progress*, Finished
// ordering. Violations never stop the fold; callers log and count them.
type Violation int

const (
	ViolationNone Violation = iota
	ViolationProgressBeforeStarted
	ViolationDuplicateStarted
	ViolationExceedsTotal
	ViolationAfterFinished
	ViolationOverflow
)

func (v Violation) String() string {
	switch v {
	case ViolationNone:
		return "none"
	case ViolationProgressBeforeStarted:
		return "progress before started"
	case ViolationDuplicateStarted:
		return "duplicate started"
	case ViolationExceedsTotal:
		return "downloaded exceeds total"
	case ViolationAfterFinished:
		return "event after finished"
	case ViolationOverflow:
		return "byte counter overflow"
	default:
		return "unknown"
	}
}

// Apply folds ev into p and returns the new state.
//
// Events after Finished and a second Started are ignored. Progress before
// Started and bytes beyond a known total are still counted so the sum
// invariant holds; percent clamps at 100 in that case.
func Apply(p DownloadProgress, ev Event) (DownloadProgress, Violation) {
	if p.Finished {
		return p, ViolationAfterFinished
	}

	switch e := ev.(type) {
	case Started:
		if p.Started {
			return p, ViolationDuplicateStarted
		}
		p.Started = true
		if e.ContentLength != nil {
			p.Total = Length(*e.ContentLength)
		}
		return p, ViolationNone

	case Progress:
		violation := ViolationNone
		if !p.Started {
			violation = ViolationProgressBeforeStarted
		}
		sum, carry := bits.Add64(p.Downloaded, e.ChunkLength, 0)
		if carry != 0 {
			p.Downloaded = math.MaxUint64
			return p, ViolationOverflow
		}
		p.Downloaded = sum
		if violation == ViolationNone && p.Total != nil && p.Downloaded > *p.Total {
			violation = ViolationExceedsTotal
		}
		return p, violation

	case Finished:
		p.Finished = true
		return p, ViolationNone
	}

	return p, ViolationNone
}

// Percent returns floor(downloaded*100/total) clamped to [0, 100].
// ok is false when the total is unknown or zero, which is distinct from 0%.
func Percent(downloaded uint64, total *uint64) (percent int, ok bool) {
	if total == nil || *total == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(downloaded, 100)
	if hi >= *total {
		// quotient does not fit in 64 bits, so it is far above 100
		return 100, true
	}
	q, _ := bits.Div64(hi, lo, *total)
	if q > 100 {
		q = 100
	}
	return int(q), true
}

// Percent is a convenience wrapper around the package-level Percent.
func (p DownloadProgress) Percent() (int, bool) {
	return Percent(p.Downloaded, p.Total)
}
