// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/beacon/internal/relay"
)

// terminal is one PTY bridge entry. All fields are guarded by Manager.mu.
// Exactly one GC timer may be pending per terminal; gcGen invalidates a
// fired timer that lost the race with a state transition.
type terminal struct {
	id          string
	runnerID    string
	ownerUserID string
	state       terminalState
	opts        SpawnOptions
	exitCode    int
	// buffer queues output (and the exit notice) produced while no viewer
	// is attached; drained exactly once when one attaches.
	buffer  []interface{}
	gcTimer *time.Timer
	gcGen   int
}

// TerminalInfo is the externally visible snapshot of a terminal entry.
type TerminalInfo struct {
	ID       string `json:"id"`
	RunnerID string `json:"runnerId"`
	Spawned  bool   `json:"spawned"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitCode,omitempty"`
}

// CreateTerminal accepts a spawn request. The entry starts unspawned; the
// PTY-start message goes to the runner only when the first viewer resize
// supplies real dimensions. An entry no viewer ever touches is collected
// after the pending timeout.
func (m *Manager) CreateTerminal(user relay.Identity, runnerID string, opts SpawnOptions) (*TerminalInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[runnerID]
	if !ok {
		return nil, ErrRunnerNotFound
	}
	if r.OwnerUserID != user.UserID {
		return nil, ErrNotAuthorized
	}
	if !rootAllowed(r.Roots, opts.Cwd) {
		return nil, ErrRootNotAllowed
	}

	term := &terminal{
		id:          uuid.NewString(),
		runnerID:    runnerID,
		ownerUserID: user.UserID,
		state:       statePending,
		opts:        opts,
	}
	m.terminals[term.id] = term
	m.scheduleGCLocked(term, m.cfg.PendingTimeout, "never attached")

	return infoLocked(term), nil
}

// rootAllowed checks a cwd against the runner's allowed path prefixes. An
// empty root list means unrestricted.
func rootAllowed(roots []string, cwd string) bool {
	if len(roots) == 0 || cwd == "" {
		return true
	}
	for _, root := range roots {
		if cwd == root || strings.HasPrefix(cwd, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}

func infoLocked(t *terminal) *TerminalInfo {
	return &TerminalInfo{
		ID:       t.id,
		RunnerID: t.runnerID,
		Spawned:  t.state != statePending,
		Exited:   t.state == stateExited,
		ExitCode: t.exitCode,
	}
}

// Terminal returns the entry snapshot after an ownership check.
func (m *Manager) Terminal(user relay.Identity, terminalID string) (*TerminalInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	term, ok := m.terminals[terminalID]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	if term.ownerUserID != user.UserID {
		return nil, ErrNotAuthorized
	}
	return infoLocked(term), nil
}

// AttachViewer connects a viewer socket to a terminal. Buffered output is
// replayed in order and the buffer cleared exactly once; afterwards output
// flows live. Only the owning user's sockets may attach.
func (m *Manager) AttachViewer(user relay.Identity, terminalID string, conn relay.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	term, ok := m.terminals[terminalID]
	if !ok {
		return ErrTerminalNotFound
	}
	if term.ownerUserID != user.UserID {
		return ErrNotAuthorized
	}

	// The backlog drains and the viewer joins the live set under the same
	// lock Output takes, so output racing the attach lands after the
	// replay, never ahead of it.
	for _, msg := range term.buffer {
		if err := conn.Send(msg); err != nil {
			log.Printf("Terminal: replay to viewer of %s failed: %v", terminalID, err)
			break
		}
	}
	term.buffer = nil

	// Exited entries keep their grace-period timer; the late viewer sees
	// the tail and the exit code before collection.
	if term.state != stateExited {
		m.cancelGCLocked(term)
	}
	m.reg.AddTerminalViewer(terminalID, conn)
	return nil
}

// DetachViewer removes a viewer socket synchronously. When the last one
// leaves, a grace timer starts so a quick re-attach finds the terminal
// still alive.
func (m *Manager) DetachViewer(terminalID string, conn relay.Conn) {
	m.reg.RemoveTerminalViewer(terminalID, conn)

	m.mu.Lock()
	defer m.mu.Unlock()
	term, ok := m.terminals[terminalID]
	if !ok {
		return
	}
	if len(m.reg.TerminalViewers(terminalID)) > 0 || term.state == stateExited {
		return
	}
	delay := m.cfg.DetachGrace
	if term.state == statePending {
		delay = m.cfg.PendingTimeout
	}
	m.scheduleGCLocked(term, delay, "viewer detached")
}

// Resize handles a viewer resize. The first one on a pending terminal
// triggers the deferred spawn, using the viewer's dimensions when present
// and the saved defaults otherwise. On a running terminal it forwards.
func (m *Manager) Resize(terminalID string, cols, rows int) error {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return ErrTerminalNotFound
	}
	conn := m.reg.Runner(term.runnerID)
	if conn == nil {
		m.mu.Unlock()
		return ErrRunnerNotFound
	}

	if cols <= 0 {
		cols = term.opts.Cols
	}
	if rows <= 0 {
		rows = term.opts.Rows
	}

	if term.state == statePending {
		msg := SpawnMessage{
			Type:       "terminal_spawn",
			TerminalID: term.id,
			Cwd:        term.opts.Cwd,
			Shell:      term.opts.Shell,
			Cols:       cols,
			Rows:       rows,
		}
		// The terminal counts as spawned only once the runner actually
		// received the spawn; a failed send leaves it pending so the next
		// resize retries.
		if err := conn.Send(msg); err != nil {
			m.mu.Unlock()
			return err
		}
		term.state = stateRunning
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return conn.Send(ResizeMessage{Type: "terminal_resize", TerminalID: terminalID, Cols: cols, Rows: rows})
}

// Input forwards viewer keystrokes to the PTY.
func (m *Manager) Input(terminalID, data string) error {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return ErrTerminalNotFound
	}
	conn := m.reg.Runner(term.runnerID)
	m.mu.Unlock()
	if conn == nil {
		return ErrRunnerNotFound
	}
	return conn.Send(InputMessage{Type: "terminal_input", TerminalID: terminalID, Data: data})
}

// Output ingests PTY output from the runner. Delivered immediately when a
// viewer is attached, buffered otherwise: never both, never dropped
// while the entry lives.
func (m *Manager) Output(terminalID, data string) error {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return ErrTerminalNotFound
	}
	viewers := m.reg.TerminalViewers(terminalID)
	msg := OutputMessage{Type: "terminal_output", TerminalID: terminalID, Data: data}
	if len(viewers) == 0 {
		term.buffer = append(term.buffer, msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	for _, conn := range viewers {
		if err := conn.Send(msg); err != nil {
			log.Printf("Terminal: output to viewer of %s failed: %v", terminalID, err)
		}
	}
	return nil
}

// Exited marks the process gone. Attached viewers learn immediately; with
// none, the notice joins the buffer for a late attach. The entry survives
// for the exit grace period.
func (m *Manager) Exited(terminalID string, exitCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	term, ok := m.terminals[terminalID]
	if !ok {
		return ErrTerminalNotFound
	}
	m.exitTerminalLocked(term, exitCode)
	return nil
}

func (m *Manager) exitTerminalLocked(term *terminal, exitCode int) {
	term.state = stateExited
	term.exitCode = exitCode

	msg := ExitedMessage{Type: "terminal_exited", TerminalID: term.id, ExitCode: exitCode}
	viewers := m.reg.TerminalViewers(term.id)
	if len(viewers) == 0 {
		term.buffer = append(term.buffer, msg)
	} else {
		for _, conn := range viewers {
			conn.Send(msg)
		}
	}
	m.scheduleGCLocked(term, m.cfg.ExitGrace, "exited")
}

// Kill asks the runner to terminate the PTY process. The exit notice
// arrives through the normal Exited path.
func (m *Manager) Kill(user relay.Identity, terminalID string) error {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return ErrTerminalNotFound
	}
	if term.ownerUserID != user.UserID {
		m.mu.Unlock()
		return ErrNotAuthorized
	}
	conn := m.reg.Runner(term.runnerID)
	m.mu.Unlock()
	if conn == nil {
		return ErrRunnerNotFound
	}
	return conn.Send(KillMessage{Type: "terminal_kill", TerminalID: terminalID})
}

// scheduleGCLocked arms the terminal's single GC timer, stopping any
// previous one first. The generation counter keeps a timer that already
// fired but has not yet taken the lock from collecting a terminal whose
// state moved on.
func (m *Manager) scheduleGCLocked(term *terminal, delay time.Duration, reason string) {
	if term.gcTimer != nil {
		term.gcTimer.Stop()
	}
	term.gcGen++
	gen := term.gcGen
	id := term.id
	term.gcTimer = time.AfterFunc(delay, func() {
		m.collectTerminal(id, gen, reason)
	})
}

func (m *Manager) cancelGCLocked(term *terminal) {
	if term.gcTimer != nil {
		term.gcTimer.Stop()
		term.gcTimer = nil
	}
	term.gcGen++
}

func (m *Manager) collectTerminal(terminalID string, gen int, reason string) {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if !ok || term.gcGen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.terminals, terminalID)
	viewers := m.reg.TerminalViewers(terminalID)
	m.reg.DropTerminal(terminalID)
	m.mu.Unlock()

	for _, conn := range viewers {
		conn.Send(ClosedMessage{Type: "terminal_closed", TerminalID: terminalID, Reason: reason})
	}
	log.Printf("Terminal: %s collected (%s)", terminalID, reason)
}
