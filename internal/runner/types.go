// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runner manages headless worker processes that spawn sessions and
// bridge PTY terminals to browser viewers. Runners hold the actual child
// processes; this package holds their identity, command round-trips, and
// the terminal buffering state machine.
package runner

import (
	"errors"
	"time"
)

// ErrRunnerNotFound is returned when a runner id has no live registration.
var ErrRunnerNotFound = errors.New("runner not found")

// ErrTerminalNotFound is returned when a terminal id is unknown or already
// garbage-collected.
var ErrTerminalNotFound = errors.New("terminal not found")

// ErrSecretMismatch is the hard authentication failure for a persistent
// runner id presented with the wrong secret. Handlers disconnect on it.
var ErrSecretMismatch = errors.New("runner secret mismatch")

// ErrNotAuthorized is returned when a user touches a runner or terminal
// owned by somebody else.
var ErrNotAuthorized = errors.New("not authorized")

// ErrRootNotAllowed rejects a spawn request whose cwd falls outside the
// runner's allowed path prefixes.
var ErrRootNotAllowed = errors.New("path outside allowed roots")

// ErrCommandTimeout is returned when a runner command round-trip gets no
// response within the deadline.
var ErrCommandTimeout = errors.New("runner command timed out")

// Skill is a capability the runner advertises: a named, runnable recipe.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Runner is the live record of one registered worker process. It exists
// only while the connection is up; on disconnect the record is deleted and
// only the persistent id↔secret binding survives in the directory.
type Runner struct {
	ID          string   `json:"id"`
	OwnerUserID string   `json:"ownerUserId"`
	DisplayName string   `json:"displayName,omitempty"`
	Roots       []string `json:"roots,omitempty"`
	Skills      []Skill  `json:"skills,omitempty"`
	// Sessions is best-effort accounting of session ids this runner
	// spawned; authoritative linkage lives on the session records.
	Sessions []string `json:"sessions,omitempty"`
}

// SpawnOptions are the saved parameters for a terminal spawn. Cols/Rows
// are defaults used only when the attaching viewer's first resize carries
// no dimensions of its own.
type SpawnOptions struct {
	Cwd   string `json:"cwd,omitempty"`
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
}

// terminalState is the explicit per-terminal state machine. Transitions:
// pending → running on the first viewer resize, running → exited on
// process exit, any → gone via the GC timer.
type terminalState int

const (
	statePending terminalState = iota // entry exists, PTY not spawned yet
	stateRunning                      // PTY live on the runner
	stateExited                       // process gone, kept for late replay
)

// Messages sent to runner connections.

// SpawnMessage tells the runner to start the deferred PTY.
type SpawnMessage struct {
	Type       string `json:"type"` // "terminal_spawn"
	TerminalID string `json:"terminalId"`
	Cwd        string `json:"cwd,omitempty"`
	Shell      string `json:"shell,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// ResizeMessage forwards new dimensions to a running PTY.
type ResizeMessage struct {
	Type       string `json:"type"` // "terminal_resize"
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// InputMessage forwards viewer keystrokes to the PTY.
type InputMessage struct {
	Type       string `json:"type"` // "terminal_input"
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// KillMessage tells the runner to terminate the PTY process.
type KillMessage struct {
	Type       string `json:"type"` // "terminal_kill"
	TerminalID string `json:"terminalId"`
}

// Messages sent to terminal viewer connections.

// OutputMessage carries PTY output to a viewer.
type OutputMessage struct {
	Type       string `json:"type"` // "terminal_output"
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
	Replay     bool   `json:"replay,omitempty"`
}

// ExitedMessage reports process exit to a viewer.
type ExitedMessage struct {
	Type       string `json:"type"` // "terminal_exited"
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

// ClosedMessage is the explicit terminal notice a viewer gets when the
// entry is garbage-collected out from under it.
type ClosedMessage struct {
	Type       string `json:"type"` // "terminal_closed"
	TerminalID string `json:"terminalId"`
	Reason     string `json:"reason"`
}

// Config holds the bridge's timing knobs. The exact values are
// operational tuning exposed through the config file.
type Config struct {
	CommandTimeout time.Duration // runner request/response round-trips
	PendingTimeout time.Duration // unspawned terminal with no viewer
	ExitGrace      time.Duration // exited terminal kept for late replay
	DetachGrace    time.Duration // running terminal after last viewer left
}

func (c *Config) applyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = time.Minute
	}
	if c.ExitGrace <= 0 {
		c.ExitGrace = 30 * time.Second
	}
	if c.DetachGrace <= 0 {
		c.DetachGrace = 5 * time.Minute
	}
}
