// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wingedpig/beacon/internal/relay"
	"github.com/wingedpig/beacon/internal/runner"
)

// terminalViewerMessage is the envelope terminal viewer sockets send.
type terminalViewerMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// TerminalHandler serves the terminal viewer WebSocket endpoint.
type TerminalHandler struct {
	mgr     *runner.Manager
	auth    Authenticator
	tracker *Tracker
}

// NewTerminalHandler creates the terminal handler.
func NewTerminalHandler(mgr *runner.Manager, auth Authenticator, tracker *Tracker) *TerminalHandler {
	return &TerminalHandler{mgr: mgr, auth: auth, tracker: tracker}
}

// WebSocket bridges a viewer socket to a PTY. The first resize triggers
// the deferred spawn; detach on close is synchronous so the registry
// never accumulates closed sockets.
func (h *TerminalHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Viewer(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}
	terminalID := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Terminal WebSocket: upgrade failed: %v", err)
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

	if err := h.mgr.AttachViewer(ident, terminalID, ws); err != nil {
		ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
		return
	}
	defer h.mgr.DetachViewer(terminalID, ws)

	for {
		var msg terminalViewerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "resize":
			if err := h.mgr.Resize(terminalID, msg.Cols, msg.Rows); err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
				if errors.Is(err, runner.ErrTerminalNotFound) {
					return
				}
			}

		case "input":
			if err := h.mgr.Input(terminalID, msg.Data); err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
			}

		case "kill":
			if err := h.mgr.Kill(ident, terminalID); err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
			}

		default:
			ws.Send(relay.ErrorMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}
