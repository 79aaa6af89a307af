// Package progress tracks the byte-level progress of an update download.
//
// An installer emits Events over a channel. A single consumer folds them
// into a DownloadProgress with Apply and renders the result with the
// presenter helpers.
package progress

// Kind identifies the variant of an Event.
type Kind string

const (
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindFinished Kind = "finished"
)

// Event is one step of a download lifecycle: Started, Progress or Finished.
type Event interface {
	Kind() Kind
}

// Started announces the download. ContentLength is nil when the server did
// not report a size.
type Started struct {
	ContentLength *uint64 `json:"contentLength,omitempty"`
}

// Progress reports a chunk of bytes written since the previous event.
type Progress struct {
	ChunkLength uint64 `json:"chunkLength"`
}

// Finished is the terminal event of a download.
type Finished struct{}

func (Started) Kind() Kind  { return KindStarted }
func (Progress) Kind() Kind { return KindProgress }
func (Finished) Kind() Kind { return KindFinished }

// Length returns a pointer to n for use as Started.ContentLength.
func Length(n uint64) *uint64 {
	return &n
}
