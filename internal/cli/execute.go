// Package cli implements the treemon command line: version information and
// the update check, install, status, watch and history commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ontree-co/treemon/internal/version"
)

// Execute runs the CLI with the provided args and manager. manager may be
// nil for commands that do not touch updates.
func Execute(args []string, manager Manager, out, errOut io.Writer) int {
	cmd := NewRootCommand(manager, out, errOut)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(errOut, "Error:", err) //nolint:errcheck // Best effort
			return ExitInvalidUsage
		}
		var rtErr *runtimeError
		if errors.As(err, &rtErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ExitRuntimeError
		}
		// cobra errors such as unknown commands
		fmt.Fprintln(errOut, "Error:", err) //nolint:errcheck // Best effort
		return ExitInvalidUsage
	}
	return ExitSuccess
}

// NewRootCommand builds the root CLI command tree.
func NewRootCommand(manager Manager, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "treemon",
		Short:         "hardware monitoring dashboard",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().Bool("json", false, "output JSONL")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(newVersionCommand())
	root.AddCommand(newUpdateCommand(manager))

	return root
}

// IsCommand reports whether name is handled by the CLI rather than the
// server entry point.
func IsCommand(name string) bool {
	switch name {
	case "version", "update", "help", "--help", "-h", "completion":
		return true
	}
	return false
}

type usageError struct {
	err error
}

func (u *usageError) Error() string {
	if u.err == nil {
		return "invalid usage"
	}
	return u.err.Error()
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: fmt.Errorf("%s takes no arguments", cmd.CommandPath())}
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				return writeEvent(cmd, ProgressEvent{Type: EventResult, Data: info})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "treemon version %s\n", info.Version) //nolint:errcheck // Terminal output
			if version.IsDevBuild() {
				fmt.Fprintln(out, "  development build: update checks accept any release") //nolint:errcheck // Terminal output
			}
			fmt.Fprintf(out, "  commit: %s\n", info.Commit)                                 //nolint:errcheck // Terminal output
			fmt.Fprintf(out, "  built: %s (%s)\n", info.BuildDate, version.GetVersionAge()) //nolint:errcheck // Terminal output
			fmt.Fprintf(out, "  go: %s\n", info.GoVersion)                                  //nolint:errcheck // Terminal output
			fmt.Fprintf(out, "  platform: %s\n", info.Platform)                             //nolint:errcheck // Terminal output
			return nil
		},
	}
}

func newUpdateCommand(manager Manager) *cobra.Command {
	upd := &cobra.Command{
		Use:   "update",
		Short: "check for and install treemon updates",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if manager == nil {
				return writeError(cmd, fmt.Errorf("update commands are unavailable"))
			}
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "check for a newer release",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := manager.Check(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			return writeEvent(cmd, ProgressEvent{Type: EventResult, Message: checkMessage(result), Data: result})
		},
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "download and install the latest release",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return streamEvents(cmd, manager.Install(cmd.Context()))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "show the running server's update status",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := manager.Status(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			return writeEvent(cmd, ProgressEvent{Type: EventResult, Message: statusMessage(status), Data: status})
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "follow a running install on the server",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return streamEvents(cmd, manager.Watch(ctx))
		},
	}
	watchCmd.Flags().Duration("timeout", 30*time.Minute, "give up after this long")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "list recent install attempts",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return &usageError{err: fmt.Errorf("--limit must be positive")}
			}
			entries, err := manager.History(cmd.Context(), limit)
			if err != nil {
				return writeError(cmd, err)
			}
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				return writeEvent(cmd, ProgressEvent{Type: EventResult, Data: entries})
			}
			if len(entries) == 0 {
				return writeEvent(cmd, ProgressEvent{Type: EventLog, Message: "no update attempts recorded"})
			}
			for _, e := range entries {
				if err := writeEvent(cmd, ProgressEvent{Type: EventLog, Message: historyLine(e)}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	historyCmd.Flags().Int("limit", 20, "number of attempts to show")

	upd.AddCommand(checkCmd, installCmd, statusCmd, watchCmd, historyCmd)
	return upd
}

func checkMessage(r CheckResult) string {
	if !r.UpdateAvailable {
		return fmt.Sprintf("treemon %s is up to date (%s channel)", r.CurrentVersion, r.Channel)
	}
	msg := fmt.Sprintf("update available: %s -> %s", r.CurrentVersion, r.AvailableVersion)
	if t, err := time.Parse(time.RFC3339, r.PublishDate); err == nil {
		msg += fmt.Sprintf(" (published %s)", humanize.Time(t))
	}
	return msg
}

func statusMessage(s Status) string {
	msg := fmt.Sprintf("state: %s (running %s)", s.State, s.CurrentVersion)
	if s.AvailableVersion != "" {
		msg += ", available " + s.AvailableVersion
	}
	if s.Percent != "" {
		msg += ", " + s.Percent
	}
	if s.SizeText != "" {
		msg += " " + s.SizeText
	}
	if s.LastChecked != nil {
		msg += ", last checked " + humanize.Time(*s.LastChecked)
	}
	if s.Message != "" {
		msg += "\n" + s.Message
	}
	return msg
}

func historyLine(e HistoryEntry) string {
	line := fmt.Sprintf("%s  %s -> %s  %-11s %s", e.StartedAt.Local().Format("2006-01-02 15:04"),
		e.FromVersion, e.ToVersion, e.Status, humanize.Time(e.StartedAt))
	if e.BytesDownloaded > 0 {
		line += "  " + humanize.IBytes(e.BytesDownloaded)
	}
	if e.ErrorMessage != "" {
		line += "  error: " + e.ErrorMessage
	}
	return line
}

func streamEvents(cmd *cobra.Command, events <-chan ProgressEvent) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	hasError := false
	for event := range events {
		if err := writeEventWithContext(ctx, cmd, event, jsonOutput); err != nil {
			return err
		}
		if event.Type == EventError {
			hasError = true
		}
	}
	if hasError {
		return &runtimeError{err: fmt.Errorf("operation failed")}
	}
	return nil
}

type runtimeError struct {
	err error
}

func (r *runtimeError) Error() string {
	if r.err == nil {
		return "runtime error"
	}
	return r.err.Error()
}

func writeError(cmd *cobra.Command, err error) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		_ = writeEventWithContext(cmd.Context(), cmd, ProgressEvent{
			Type:    EventError,
			Message: err.Error(),
		}, true)
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err) //nolint:errcheck // Best effort
	}
	return &runtimeError{err: err}
}

func writeEvent(cmd *cobra.Command, event ProgressEvent) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return writeEventWithContext(cmd.Context(), cmd, event, jsonOutput)
}

func writeEventWithContext(ctx context.Context, cmd *cobra.Command, event ProgressEvent, jsonOutput bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		return encoder.Encode(event)
	}
	if event.Message != "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), event.Message)
		return err
	}
	return nil
}
