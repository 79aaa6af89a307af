package update

import (
	"context"
	"errors"
	"testing"
)

func TestParseRestartMode(t *testing.T) {
	tests := []struct {
		in      string
		want    RestartMode
		wantErr bool
	}{
		{"", RestartAuto, false},
		{"auto", RestartAuto, false},
		{"exec", RestartExec, false},
		{"exit", RestartExit, false},
		{"reboot", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRestartMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseRestartMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestProcessRestarterExit(t *testing.T) {
	var flushed bool
	exitCode := -1
	r := NewProcessRestarter(RestartExit, func() { flushed = true })
	r.exit = func(code int) { exitCode = code }
	r.exec = func(string, []string, []string) error {
		t.Fatal("exec called in exit mode")
		return nil
	}

	if err := r.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !flushed {
		t.Error("BeforeRestart not called")
	}
	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}
}

func TestProcessRestarterExecFailure(t *testing.T) {
	r := NewProcessRestarter(RestartExec, nil)
	var argv0 string
	r.exec = func(path string, _ []string, _ []string) error {
		argv0 = path
		return errors.New("exec format error")
	}
	r.exit = func(int) { t.Fatal("exit called in exec mode") }

	err := r.Restart(context.Background())
	if err == nil {
		t.Fatal("expected exec error")
	}
	if argv0 == "" {
		t.Error("exec not called with executable path")
	}
}
