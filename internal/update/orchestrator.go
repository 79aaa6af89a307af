package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/progress"
	"github.com/ontree-co/treemon/internal/telemetry"
)

// ProgressChannelBuffer is the capacity of the per-attempt event channel.
const ProgressChannelBuffer = 64

// State is a step of the update lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateCheckedAvailable State = "checked_available"
	StateCheckedNone      State = "checked_none"
	StateInstalling       State = "installing"
	StateFinished         State = "finished"
	StateRestarted        State = "restarted"
)

// MetadataFetcher is the check side of the pipeline. *Fetcher implements it.
type MetadataFetcher interface {
	Fetch(ctx context.Context) (*Metadata, error)
	CurrentVersion() string
	Channel() UpdateChannel
}

// Snapshot is a point-in-time copy of the orchestrator state.
type Snapshot struct {
	State      State                     `json:"state"`
	Metadata   *Metadata                 `json:"metadata,omitempty"`
	Progress   progress.DownloadProgress `json:"progress"`
	Percent    *int                      `json:"percent,omitempty"`
	Violations int                       `json:"violations"`
	AttemptID  string                    `json:"attempt_id,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	Error      string                    `json:"error,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at"`

	// Err is the error attached to the state, if any.
	Err error `json:"-"`
}

// Notice is delivered to subscribers on every state change and every
// consumed download event. Event is nil for pure state changes. Dropped
// counts earlier download events a lagging subscriber did not receive;
// Snapshot.Progress already includes them.
type Notice struct {
	Snapshot Snapshot
	Event    progress.Event
	Dropped  int
}

// Orchestrator drives check, install and restart. It owns the update state;
// callers observe it through Snapshot and Subscribe.
type Orchestrator struct {
	fetcher   MetadataFetcher
	installer Installer
	restarter Restarter
	history   HistoryRecorder
	now       func() time.Time

	mu          sync.Mutex
	state       State
	checking    bool
	meta        *Metadata
	progress    progress.DownloadProgress
	violations  int
	lastErr     error
	attempt     *Attempt
	updatedAt   time.Time
	subscribers map[int]*subscription
	nextSubID   int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory records checks and attempts.
func WithHistory(h HistoryRecorder) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.history = h
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates an orchestrator in the idle state.
func NewOrchestrator(fetcher MetadataFetcher, installer Installer, restarter Restarter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:     fetcher,
		installer:   installer,
		restarter:   restarter,
		history:     nopHistory{},
		now:         time.Now,
		state:       StateIdle,
		subscribers: make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.updatedAt = o.now()
	return o
}

// Check fetches metadata and moves to checked(available) or checked(none).
// A fetch failure still lands in checked(none), with the error attached and
// returned; calling Check again retries.
func (o *Orchestrator) Check(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	switch {
	case o.state == StateInstalling:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInstallInProgress
	case o.checking:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrCheckInProgress
	case o.state == StateFinished || o.state == StateRestarted:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, fmt.Errorf("%w: cannot check while %s", ErrInvalidTransition, snap.State)
	}
	o.checking = true
	o.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "update.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("update.channel", string(o.fetcher.Channel())),
		attribute.String("update.current_version", o.fetcher.CurrentVersion()),
	)

	meta, err := o.fetcher.Fetch(ctx)

	rec := CheckRecord{
		CheckedAt:      o.now(),
		Channel:        o.fetcher.Channel(),
		CurrentVersion: o.fetcher.CurrentVersion(),
	}

	o.mu.Lock()
	o.checking = false
	switch {
	case err == nil:
		o.state = StateCheckedAvailable
		o.meta = meta
		o.lastErr = nil
		rec.AvailableVersion = meta.AvailableVersion
		rec.UpdateAvailable = true
		logging.Infof("Update available: %s -> %s", meta.CurrentVersion, meta.AvailableVersion)
	case errors.Is(err, ErrNoUpdateAvailable):
		o.state = StateCheckedNone
		o.meta = nil
		o.lastErr = nil
		logging.Debugf("No update available: %v", err)
		err = nil
	default:
		o.state = StateCheckedNone
		o.meta = nil
		o.lastErr = err
		rec.ErrorMessage = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		logging.Warnf("Update check failed: %v", err)
	}
	snap := o.transitionLocked(nil)
	o.mu.Unlock()

	span.SetAttributes(attribute.String("update.state", string(snap.State)))

	if herr := o.history.RecordCheck(ctx, rec); herr != nil {
		logging.Errorf("Failed to record update check: %v", herr)
	}

	return snap, err
}

// StartInstall moves checked(available) to installing and runs the install
// in the background. The returned channel yields the outcome once and is
// then closed. The install runs under ctx, so callers serving a request
// should pass a context that outlives it.
func (o *Orchestrator) StartInstall(ctx context.Context) (<-chan error, error) {
	o.mu.Lock()
	switch {
	case o.state == StateInstalling:
		o.mu.Unlock()
		return nil, ErrInstallInProgress
	case o.checking:
		o.mu.Unlock()
		return nil, ErrCheckInProgress
	case o.state == StateCheckedAvailable && o.meta != nil:
	case o.state == StateIdle || o.state == StateCheckedNone:
		o.mu.Unlock()
		return nil, ErrNoUpdateAvailable
	default:
		state := o.state
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot install while %s", ErrInvalidTransition, state)
	}

	meta := o.meta
	attempt := &Attempt{
		ID:          uuid.NewString(),
		FromVersion: meta.CurrentVersion,
		ToVersion:   meta.AvailableVersion,
		Channel:     meta.Channel,
		Status:      AttemptInProgress,
		StartedAt:   o.now(),
	}
	o.state = StateInstalling
	o.progress = progress.DownloadProgress{}
	o.violations = 0
	o.lastErr = nil
	o.attempt = attempt
	o.transitionLocked(nil)
	o.mu.Unlock()

	logging.Infof("Installing update %s (attempt %s)", meta.AvailableVersion, attempt.ID)
	if err := o.history.StartAttempt(ctx, *attempt); err != nil {
		logging.Errorf("Failed to record update attempt: %v", err)
	}

	events := make(chan progress.Event, ProgressChannelBuffer)
	done := make(chan error, 1)
	go o.runInstall(ctx, attempt.ID, meta, events, done)
	return done, nil
}

// Install runs StartInstall and waits for the outcome.
func (o *Orchestrator) Install(ctx context.Context) error {
	done, err := o.StartInstall(ctx)
	if err != nil {
		return err
	}
	return <-done
}

func (o *Orchestrator) runInstall(ctx context.Context, attemptID string, meta *Metadata, events chan progress.Event, done chan<- error) {
	defer close(done)

	ctx, span := telemetry.StartSpan(ctx, "update.install")
	defer span.End()
	span.SetAttributes(
		attribute.String("update.attempt_id", attemptID),
		attribute.String("update.version", meta.AvailableVersion),
	)

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range events {
			o.consume(ev)
		}
	}()

	err := o.installer.Install(ctx, meta, events)
	close(events)
	<-consumed

	err = o.completeInstall(ctx, meta, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
	}
	done <- err
}

// consume folds one event into the progress counters. Protocol violations
// are logged and counted but never abort the install.
func (o *Orchestrator) consume(ev progress.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next, violation := progress.Apply(o.progress, ev)
	o.progress = next
	if violation != progress.ViolationNone {
		o.violations++
		logging.Warnf("Download event %s ignored or flagged: %s", ev.Kind(), violation)
	}
	o.transitionLocked(ev)
}

func (o *Orchestrator) completeInstall(ctx context.Context, meta *Metadata, err error) error {
	o.mu.Lock()
	if err == nil && !o.progress.Finished {
		err = ErrIncompleteDownload
	}

	attempt := *o.attempt
	attempt.BytesDownloaded = o.progress.Downloaded
	attempt.TotalBytes = o.progress.Total
	completed := o.now()
	attempt.CompletedAt = &completed

	if err != nil {
		err = &InstallError{Version: meta.AvailableVersion, Err: err}
		o.state = StateCheckedNone
		o.meta = nil
		o.lastErr = err
		attempt.Status = AttemptFailed
		attempt.ErrorMessage = err.Error()
		logging.Errorf("Update failed: %v", err)
	} else {
		o.state = StateFinished
		attempt.Status = AttemptFinished
		logging.Infof("Update %s installed, restart required", meta.AvailableVersion)
	}
	*o.attempt = attempt
	o.transitionLocked(nil)
	o.mu.Unlock()

	if herr := o.history.FinishAttempt(ctx, attempt); herr != nil {
		logging.Errorf("Failed to update history record: %v", herr)
	}
	return err
}

// Restart moves finished to restarted and asks the restarter to bring the
// process back on the new binary. If the restarter fails, the state stays
// finished with the error attached.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateFinished {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot restart while %s", ErrInvalidTransition, state)
	}
	o.state = StateRestarted
	o.lastErr = nil
	var attempt Attempt
	if o.attempt != nil {
		o.attempt.Status = AttemptRestarted
		attempt = *o.attempt
	}
	o.transitionLocked(nil)
	o.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "update.restart")
	defer span.End()

	if attempt.ID != "" {
		if err := o.history.FinishAttempt(ctx, attempt); err != nil {
			logging.Errorf("Failed to update history record: %v", err)
		}
	}

	if err := o.restarter.Restart(ctx); err != nil {
		err = fmt.Errorf("%w: %v", ErrRestartFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "restart failed")
		logging.Errorf("%v", err)

		o.mu.Lock()
		o.state = StateFinished
		o.lastErr = err
		if o.attempt != nil {
			o.attempt.Status = AttemptFinished
			attempt = *o.attempt
		}
		o.transitionLocked(nil)
		o.mu.Unlock()

		if attempt.ID != "" {
			if herr := o.history.FinishAttempt(ctx, attempt); herr != nil {
				logging.Errorf("Failed to update history record: %v", herr)
			}
		}
		return err
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe registers an observer. Every state change is delivered; once
// more than buffer download notices are waiting they are coalesced rather
// than block the event consumer. cancel stops delivery and closes the
// channel.
func (o *Orchestrator) Subscribe(buffer int) (notices <-chan Notice, cancel func()) {
	if buffer <= 0 {
		buffer = ProgressChannelBuffer
	}
	sub := newSubscription(buffer)

	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = sub
	o.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			o.mu.Unlock()
			sub.close()
		})
	}
}

// transitionLocked stamps the state and notifies subscribers.
func (o *Orchestrator) transitionLocked(ev progress.Event) Snapshot {
	o.updatedAt = o.now()
	snap := o.snapshotLocked()
	notice := Notice{Snapshot: snap, Event: ev}
	for _, sub := range o.subscribers {
		sub.push(notice)
	}
	return snap
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      o.state,
		Metadata:   o.meta,
		Progress:   o.progress,
		Violations: o.violations,
		UpdatedAt:  o.updatedAt,
		Err:        o.lastErr,
	}
	if percent, ok := o.progress.Percent(); ok {
		snap.Percent = &percent
	}
	if o.attempt != nil {
		snap.AttemptID = o.attempt.ID
		started := o.attempt.StartedAt
		snap.StartedAt = &started
	}
	if o.lastErr != nil {
		snap.Error = o.lastErr.Error()
	}
	return snap
}
