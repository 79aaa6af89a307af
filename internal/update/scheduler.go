package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ontree-co/treemon/internal/logging"
)

// Checker is the part of the orchestrator the scheduler drives.
type Checker interface {
	Check(ctx context.Context) (Snapshot, error)
}

// Scheduler runs periodic update checks and housekeeping jobs on cron
// schedules.
type Scheduler struct {
	cron    *cron.Cron
	checker Checker
	checkID cron.EntryID
	timeout time.Duration
}

// NewScheduler validates spec (standard cron or descriptors such as
// "@every 6h") and registers the check job. An empty spec disables
// scheduled checks. Call Start to begin.
func NewScheduler(checker Checker, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		checker: checker,
		timeout: 2 * time.Minute,
	}
	if spec == "" {
		return s, nil
	}
	id, err := s.cron.AddFunc(spec, s.runCheck)
	if err != nil {
		return nil, fmt.Errorf("invalid check schedule %q: %w", spec, err)
	}
	s.checkID = id
	return s, nil
}

// ChecksEnabled reports whether a check job is registered.
func (s *Scheduler) ChecksEnabled() bool {
	return s.checkID != 0
}

// AddMaintenance registers a housekeeping job, such as history pruning or
// log rotation, to run on spec.
func (s *Scheduler) AddMaintenance(name, spec string, job func(ctx context.Context) error) error {
	if _, err := s.cron.AddFunc(spec, func() { s.runMaintenance(name, job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	return nil
}

func (s *Scheduler) runMaintenance(name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := job(ctx); err != nil {
		logging.Warnf("Maintenance job %s failed: %v", name, err)
		return
	}
	logging.Debugf("Maintenance job %s complete", name)
}

func (s *Scheduler) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	snap, err := s.checker.Check(ctx)
	switch {
	case errors.Is(err, ErrInstallInProgress), errors.Is(err, ErrCheckInProgress), errors.Is(err, ErrInvalidTransition):
		logging.Debugf("Scheduled update check skipped: %v", err)
	case err != nil:
		// Already logged by the orchestrator
	default:
		logging.Debugf("Scheduled update check complete: %s", snap.State)
	}
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running check to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled check, or the zero time before Start or
// when checks are disabled.
func (s *Scheduler) Next() time.Time {
	if s.checkID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.checkID).Next
}
