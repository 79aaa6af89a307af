package cli

import (
	"time"

	"github.com/ontree-co/treemon/internal/update"
)

// Exit codes returned by Execute.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitInvalidUsage = 2
)

// ProgressEvent is one line of CLI output. With --json each event is
// written as a JSON object on its own line.
type ProgressEvent struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Percent int         `json:"percent,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventLog      = "log"
	EventProgress = "progress"
	EventResult   = "result"
	EventSuccess  = "success"
	EventError    = "error"
)

// CheckResult is the outcome of an update check.
type CheckResult struct {
	UpdateAvailable  bool   `json:"update_available"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version,omitempty"`
	Channel          string `json:"channel"`
	Notes            string `json:"notes,omitempty"`
	PublishDate      string `json:"publish_date,omitempty"`
}

// Status is the server's view of the update lifecycle.
type Status struct {
	State            string `json:"state"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version,omitempty"`
	Percent          string `json:"percent,omitempty"`
	SizeText         string `json:"size_text,omitempty"`
	ETA              string `json:"eta,omitempty"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`

	LastChecked *time.Time `json:"last_checked,omitempty"`
}

// HistoryEntry is one recorded install attempt.
type HistoryEntry = update.Attempt
