package update

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ontree-co/treemon/internal/logging"
)

type countingChecker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingChecker) Check(context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return Snapshot{State: StateCheckedNone}, c.err
}

func TestNewSchedulerRejectsInvalidSpec(t *testing.T) {
	if _, err := NewScheduler(&countingChecker{}, "every now and then"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerNext(t *testing.T) {
	s, err := NewScheduler(&countingChecker{}, "@every 6h")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	defer func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	next := s.Next()
	if until := time.Until(next); until <= 5*time.Hour || until > 6*time.Hour+time.Minute {
		t.Errorf("Next = %v, want about 6h from now", next)
	}
}

func TestSchedulerRunCheckToleratesErrors(t *testing.T) {
	for _, err := range []error{nil, ErrInstallInProgress, ErrInvalidTransition, errors.New("network down")} {
		checker := &countingChecker{err: err}
		s, nerr := NewScheduler(checker, "@daily")
		if nerr != nil {
			t.Fatalf("NewScheduler: %v", nerr)
		}
		s.runCheck()
		if checker.calls != 1 {
			t.Errorf("calls = %d for err %v, want 1", checker.calls, err)
		}
	}
}

func TestSchedulerWithoutChecks(t *testing.T) {
	checker := &countingChecker{}
	s, err := NewScheduler(checker, "")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if s.ChecksEnabled() {
		t.Error("ChecksEnabled = true for empty schedule")
	}
	s.Start()
	defer func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()
	if next := s.Next(); !next.IsZero() {
		t.Errorf("Next = %v, want zero time", next)
	}
}

func TestSchedulerNextIgnoresMaintenance(t *testing.T) {
	s, err := NewScheduler(&countingChecker{}, "@every 6h")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.AddMaintenance("noop", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddMaintenance: %v", err)
	}
	s.Start()
	defer func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	if until := time.Until(s.Next()); until <= 5*time.Hour {
		t.Errorf("Next is %v away, want the 6h check entry", until)
	}
}

func TestAddMaintenanceRejectsInvalidSpec(t *testing.T) {
	s, err := NewScheduler(&countingChecker{}, "")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.AddMaintenance("prune", "whenever", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid maintenance schedule")
	}
}

func TestMaintenanceJobRuns(t *testing.T) {
	s, err := NewScheduler(&countingChecker{}, "")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ran := make(chan struct{}, 1)
	job := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("maintenance context has no deadline")
		}
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}
	if err := s.AddMaintenance("tick", "@every 1s", job); err != nil {
		t.Fatalf("AddMaintenance: %v", err)
	}
	s.Start()
	defer func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance job did not run")
	}
}

func TestMaintenanceFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	t.Cleanup(func() { logging.SetOutput(os.Stderr) })

	s, err := NewScheduler(&countingChecker{}, "")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.runMaintenance("prune-history", func(context.Context) error { return errors.New("database is locked") })

	if out := buf.String(); !strings.Contains(out, "prune-history") || !strings.Contains(out, "database is locked") {
		t.Errorf("log output = %q, want job name and error", out)
	}
}
