// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/wingedpig/beacon/internal/relay"
	"github.com/wingedpig/beacon/internal/runner"
)

// runnerMessage is the envelope runner connections send.
type runnerMessage struct {
	Type        string                 `json:"type"`
	RunnerID    string                 `json:"runnerId,omitempty"`
	Secret      string                 `json:"secret,omitempty"`
	DisplayName string                 `json:"displayName,omitempty"`
	Roots       []string               `json:"roots,omitempty"`
	Skills      []runner.Skill         `json:"skills,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	RequestID   string                 `json:"requestId,omitempty"`
	TerminalID  string                 `json:"terminalId,omitempty"`
	Data        string                 `json:"data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ExitCode    int                    `json:"exitCode,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// runnerRegistered acknowledges a runner registration, carrying the live
// sessions still linked to the id for re-adoption.
type runnerRegistered struct {
	Type     string           `json:"type"` // "registered"
	RunnerID string           `json:"runnerId"`
	Sessions []*relay.Session `json:"sessions,omitempty"`
}

// RunnerHandler serves the runner WebSocket endpoint.
type RunnerHandler struct {
	mgr     *runner.Manager
	auth    Authenticator
	tracker *Tracker
}

// NewRunnerHandler creates the runner handler.
func NewRunnerHandler(mgr *runner.Manager, auth Authenticator, tracker *Tracker) *RunnerHandler {
	return &RunnerHandler{mgr: mgr, auth: auth, tracker: tracker}
}

// WebSocket handles one runner connection. The first message must be a
// register; a secret mismatch disconnects immediately, since presenting
// the wrong secret for a persistent id is an identity violation.
func (h *RunnerHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Owner(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Runner WebSocket: upgrade failed: %v", err)
		return
	}
	ws := newWSConn(conn)
	h.tracker.track(ws)
	done := make(chan struct{})
	keepalive(ws, done)
	defer func() {
		close(done)
		h.tracker.untrack(ws)
		conn.Close()
	}()

	ctx := r.Context()

	var first runnerMessage
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Type != "register" {
		ws.Send(relay.ErrorMessage{Type: "error", Error: "first message must be register"})
		return
	}

	res, err := h.mgr.Register(ctx, ident, ws, runner.RegisterOptions{
		RunnerID:    first.RunnerID,
		Secret:      first.Secret,
		DisplayName: first.DisplayName,
		Roots:       first.Roots,
		Skills:      first.Skills,
	})
	if err != nil {
		ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
		if errors.Is(err, runner.ErrSecretMismatch) {
			log.Printf("Runner WebSocket: secret mismatch for %s, disconnecting", first.RunnerID)
		}
		return
	}
	runnerID := res.RunnerID
	defer h.mgr.Deregister(runnerID, ws)

	ws.Send(runnerRegistered{Type: "registered", RunnerID: runnerID, Sessions: res.Sessions})

	for {
		var msg runnerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "skills":
			if err := h.mgr.UpdateSkills(runnerID, msg.Skills); err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
			}

		case "roots":
			if err := h.mgr.UpdateRoots(runnerID, msg.Roots); err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
			}

		case "session_ready":
			h.mgr.SessionReady(runnerID, msg.SessionID)

		case "session_error":
			h.mgr.SessionError(runnerID, msg.SessionID, msg.Error)

		case "session_killed":
			h.mgr.SessionKilled(ctx, runnerID, msg.SessionID)

		case "response":
			h.mgr.Resolve(msg.RequestID, msg.Payload)

		case "terminal_output":
			if err := h.mgr.Output(msg.TerminalID, msg.Data); err != nil {
				log.Printf("Runner WebSocket: output for %s dropped: %v", msg.TerminalID, err)
			}

		case "terminal_exited":
			if err := h.mgr.Exited(msg.TerminalID, msg.ExitCode); err != nil {
				log.Printf("Runner WebSocket: exit for %s dropped: %v", msg.TerminalID, err)
			}

		default:
			ws.Send(relay.ErrorMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}
