// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

// AgentOptions configures a runner agent.
type AgentOptions struct {
	// RunnerID is the persistent runner identity. Empty registers an
	// anonymous runner with a relay-assigned id.
	RunnerID string

	// Secret authenticates the persistent RunnerID. The relay binds it on
	// first sight and rejects mismatches afterwards.
	Secret string

	// DisplayName is the human-readable runner name.
	DisplayName string

	// Roots are the path prefixes under which terminals may be spawned.
	Roots []string

	// Skills are the capabilities advertised to the relay.
	Skills []Skill

	// Shell is the program spawned for terminals. Defaults to $SHELL,
	// then /bin/bash.
	Shell string

	// OnCommand handles command round-trips from the relay (file and git
	// queries, skill invocations). The returned payload is sent back as
	// the response. Called from the read loop.
	OnCommand func(payload map[string]interface{}) map[string]interface{}
}

// agentTerminal is one live PTY on the agent side.
type agentTerminal struct {
	cmd *exec.Cmd
	pty *os.File
}

// Agent is the runner side of the relay: a worker process that registers
// a persistent identity, answers command round-trips, and spawns PTY
// terminals on demand, bridging their I/O back through the relay.
type Agent struct {
	opts AgentOptions

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	runnerID  string
	sessions  []string
	terminals map[string]*agentTerminal
}

// DialAgent connects to the relay and registers the runner. Call
// [Agent.Run] afterwards to serve spawn and command requests.
func DialAgent(ctx context.Context, baseURL, key string, opts AgentOptions) (*Agent, error) {
	url := wsURL(baseURL, key, "/api/v1/runner/ws")
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	a := &Agent{
		opts:      opts,
		conn:      conn,
		terminals: make(map[string]*agentTerminal),
	}

	register := map[string]interface{}{
		"type":        "register",
		"runnerId":    opts.RunnerID,
		"secret":      opts.Secret,
		"displayName": opts.DisplayName,
		"roots":       opts.Roots,
		"skills":      opts.Skills,
	}
	if err := conn.WriteJSON(register); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	var reg struct {
		Type     string `json:"type"`
		RunnerID string `json:"runnerId"`
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read registration: %w", err)
	}
	if reg.Type != "registered" {
		conn.Close()
		return nil, fmt.Errorf("registration rejected: %s", reg.Error)
	}

	a.runnerID = reg.RunnerID
	for _, s := range reg.Sessions {
		a.sessions = append(a.sessions, s.ID)
	}
	return a, nil
}

// RunnerID returns the relay-confirmed runner id.
func (a *Agent) RunnerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runnerID
}

// Sessions returns the ids of live sessions still linked to this runner
// at registration time, for re-adoption after a restart.
func (a *Agent) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sessions))
	copy(out, a.sessions)
	return out
}

// SessionReady reports that a session this runner spawned has registered
// with the relay, linking the session record to the runner.
func (a *Agent) SessionReady(sessionID string) error {
	return a.write(map[string]interface{}{
		"type":      "session_ready",
		"sessionId": sessionID,
	})
}

// UpdateSkills replaces the advertised skill list.
func (a *Agent) UpdateSkills(skills []Skill) error {
	return a.write(map[string]interface{}{"type": "skills", "skills": skills})
}

// UpdateRoots replaces the allowed spawn roots.
func (a *Agent) UpdateRoots(roots []string) error {
	return a.write(map[string]interface{}{"type": "roots", "roots": roots})
}

// Close tears down all live PTYs and the connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	for _, term := range a.terminals {
		if term.cmd.Process != nil {
			term.cmd.Process.Kill()
		}
		term.pty.Close()
	}
	a.terminals = make(map[string]*agentTerminal)
	a.mu.Unlock()
	return a.conn.Close()
}

// Run serves relay requests until the connection drops or the context is
// canceled. It returns the read error that ended the loop.
func (a *Agent) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.conn.Close()
	}()

	for {
		var msg map[string]interface{}
		if err := a.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch t, _ := msg["type"].(string); t {
		case "terminal_spawn":
			a.spawn(msg)

		case "terminal_resize":
			a.resize(msg)

		case "terminal_input":
			a.input(msg)

		case "terminal_kill":
			a.kill(msg)

		case "error":
			log.Printf("Agent: relay error: %v", msg["error"])

		default:
			// Command round-trips carry a requestId and a type of their
			// own; everything with one gets routed to the handler.
			if reqID, ok := msg["requestId"].(string); ok {
				a.command(reqID, msg)
			}
		}
	}
}

func (a *Agent) command(requestID string, msg map[string]interface{}) {
	var payload map[string]interface{}
	if a.opts.OnCommand != nil {
		payload = a.opts.OnCommand(msg)
	}
	if payload == nil {
		payload = map[string]interface{}{"error": "unsupported command"}
	}
	if err := a.write(map[string]interface{}{
		"type":      "response",
		"requestId": requestID,
		"payload":   payload,
	}); err != nil {
		log.Printf("Agent: failed to send response for %s: %v", requestID, err)
	}
}

func (a *Agent) spawn(msg map[string]interface{}) {
	terminalID, _ := msg["terminalId"].(string)
	cols := intField(msg, "cols", 80)
	rows := intField(msg, "rows", 24)

	shell := a.opts.Shell
	if s, _ := msg["shell"].(string); s != "" {
		shell = s
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	if cwd, _ := msg["cwd"].(string); cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		log.Printf("Agent: failed to spawn terminal %s: %v", terminalID, err)
		a.write(map[string]interface{}{
			"type":       "terminal_exited",
			"terminalId": terminalID,
			"exitCode":   -1,
		})
		return
	}

	a.mu.Lock()
	a.terminals[terminalID] = &agentTerminal{cmd: cmd, pty: f}
	a.mu.Unlock()

	go a.pump(terminalID, cmd, f)
}

// pump copies PTY output to the relay until the process exits, then
// reports the exit code.
func (a *Agent) pump(terminalID string, cmd *exec.Cmd, f *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			a.write(map[string]interface{}{
				"type":       "terminal_output",
				"terminalId": terminalID,
				"data":       string(buf[:n]),
			})
		}
		if err != nil {
			break
		}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}
	f.Close()

	a.mu.Lock()
	delete(a.terminals, terminalID)
	a.mu.Unlock()

	a.write(map[string]interface{}{
		"type":       "terminal_exited",
		"terminalId": terminalID,
		"exitCode":   exitCode,
	})
}

func (a *Agent) resize(msg map[string]interface{}) {
	term := a.terminal(msg)
	if term == nil {
		return
	}
	pty.Setsize(term.pty, &pty.Winsize{
		Cols: uint16(intField(msg, "cols", 80)),
		Rows: uint16(intField(msg, "rows", 24)),
	})
}

func (a *Agent) input(msg map[string]interface{}) {
	term := a.terminal(msg)
	if term == nil {
		return
	}
	if data, _ := msg["data"].(string); data != "" {
		term.pty.WriteString(data)
	}
}

func (a *Agent) kill(msg map[string]interface{}) {
	term := a.terminal(msg)
	if term == nil {
		return
	}
	if term.cmd.Process != nil {
		term.cmd.Process.Kill()
	}
}

func (a *Agent) terminal(msg map[string]interface{}) *agentTerminal {
	id, _ := msg["terminalId"].(string)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminals[id]
}

func (a *Agent) write(v interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(v)
}

func intField(msg map[string]interface{}, key string, def int) int {
	if v, ok := msg[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
