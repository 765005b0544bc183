// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/wingedpig/beacon/internal/relay"
)

// ownerMessage is the envelope owner connections send.
type ownerMessage struct {
	Type            string                 `json:"type"`
	SessionID       string                 `json:"sessionId,omitempty"`
	Token           string                 `json:"token,omitempty"`
	Cwd             string                 `json:"cwd,omitempty"`
	SessionName     string                 `json:"sessionName,omitempty"`
	Ephemeral       bool                   `json:"ephemeral,omitempty"`
	CollabMode      bool                   `json:"collabMode,omitempty"`
	ClientSeq       *int64                 `json:"clientSeq,omitempty"`
	TargetSessionID string                 `json:"targetSessionId,omitempty"`
	Text            string                 `json:"text,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// OwnerHandler serves the owner WebSocket endpoint: session registration
// and the event stream.
type OwnerHandler struct {
	svc     *relay.Service
	auth    Authenticator
	tracker *Tracker
}

// NewOwnerHandler creates the owner handler.
func NewOwnerHandler(svc *relay.Service, auth Authenticator, tracker *Tracker) *OwnerHandler {
	return &OwnerHandler{svc: svc, auth: auth, tracker: tracker}
}

// WebSocket handles one owner connection. A transport-level disconnect
// ends the registered session; message-level failures only reject the
// single message so the legitimate session can retry.
func (h *OwnerHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Owner(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Owner WebSocket: upgrade failed: %v", err)
		return
	}
	ws := newWSConn(conn)
	h.tracker.track(ws)
	done := make(chan struct{})
	keepalive(ws, done)

	var sessionID string
	defer func() {
		close(done)
		h.tracker.untrack(ws)
		conn.Close()
		h.svc.OwnerClosed(context.Background(), sessionID, ws)
	}()

	ctx := r.Context()
	for {
		var msg ownerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "register":
			res, err := h.svc.CreateSession(ctx, ident, ws, msg.Cwd, relay.CreateOptions{
				SessionID:   msg.SessionID,
				Ephemeral:   msg.Ephemeral,
				CollabMode:  msg.CollabMode,
				SessionName: msg.SessionName,
			})
			if err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
				continue
			}
			sessionID = res.SessionID
			ws.Send(relay.OwnerRegistered{
				Type:      "registered",
				SessionID: res.SessionID,
				Token:     res.Token,
				ShareURL:  res.ShareURL,
			})

		case "event":
			ack, err := h.svc.HandleOwnerEvent(ctx, msg.SessionID, msg.Token, msg.ClientSeq, msg.Payload)
			if err != nil {
				ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
				continue
			}
			if ack != nil {
				ws.Send(relay.EventAck{Type: "event_ack", ClientSeq: *ack})
			}

		case "session_message":
			err := h.svc.DeliverSessionMessage(ctx, msg.SessionID, msg.Token, msg.TargetSessionID, msg.Text)
			if err != nil {
				ws.Send(relay.SessionMessageError{
					Type:            "session_message_error",
					TargetSessionID: msg.TargetSessionID,
					Error:           err.Error(),
				})
			}

		case "end":
			if err := h.svc.EndSessionWithToken(ctx, msg.SessionID, msg.Token); err != nil {
				if !errors.Is(err, relay.ErrSessionNotFound) {
					ws.Send(relay.ErrorMessage{Type: "error", Error: err.Error()})
				}
				continue
			}
			if msg.SessionID == sessionID {
				sessionID = ""
			}

		default:
			ws.Send(relay.ErrorMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}
