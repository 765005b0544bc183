// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/wingedpig/beacon/internal/relay"
)

// viewerMessage is the envelope viewer connections send.
type viewerMessage struct {
	Type    string                 `json:"type"`
	Text    string                 `json:"text,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ViewerHandler serves the viewer WebSocket endpoint.
type ViewerHandler struct {
	svc     *relay.Service
	auth    Authenticator
	tracker *Tracker
}

// NewViewerHandler creates the viewer handler.
func NewViewerHandler(svc *relay.Service, auth Authenticator, tracker *Tracker) *ViewerHandler {
	return &ViewerHandler{svc: svc, auth: auth, tracker: tracker}
}

// WebSocket attaches a viewer to a session. Unknown sessions are served
// the archived snapshot and closed cleanly, so clients can keep their
// auto-reconnect loop.
func (h *ViewerHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Viewer(r); err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "sessionId parameter required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Viewer WebSocket: upgrade failed: %v", err)
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
	if err := h.svc.AttachViewer(ctx, sessionID, ws); err != nil {
		// ErrSessionEnded means the archive replay already went out.
		if !errors.Is(err, relay.ErrSessionEnded) {
			ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
		}
		return
	}
	defer h.svc.DetachViewer(sessionID, ws)

	for {
		var msg viewerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "input", "model_set", "exec":
			payload := msg.Payload
			if payload == nil {
				payload = map[string]interface{}{"type": msg.Type, "text": msg.Text}
			}
			// Collab-mode-off drops are silent on purpose; an error back
			// would leak whether collab mode is enabled.
			if err := h.svc.ForwardViewerMessage(ctx, sessionID, payload); err != nil {
				log.Printf("Viewer WebSocket: forward for %s failed: %v", sessionID, err)
			}

		case "resync":
			if err := h.svc.Resync(ctx, sessionID, ws); err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
			}

		default:
			ws.Send(relay.ErrorMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}
