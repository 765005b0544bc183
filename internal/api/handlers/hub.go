// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"log"
	"net/http"

	"github.com/wingedpig/beacon/internal/relay"
)

// HubHandler serves the session-list feed: push notifications about
// sessions appearing, changing status, and ending.
type HubHandler struct {
	hub     *relay.Hub
	auth    Authenticator
	tracker *Tracker
}

// NewHubHandler creates the hub handler.
func NewHubHandler(hub *relay.Hub, auth Authenticator, tracker *Tracker) *HubHandler {
	return &HubHandler{hub: hub, auth: auth, tracker: tracker}
}

// WebSocket subscribes the connection to the feed, scoped to the
// authenticated user's own sessions.
func (h *HubHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Viewer(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Hub WebSocket: upgrade failed: %v", err)
		return
	}
	ws := newWSConn(conn)
	h.tracker.track(ws)
	done := make(chan struct{})
	keepalive(ws, done)

	remove := h.hub.AddListener(ws, ident.UserID)
	defer func() {
		remove()
		close(done)
		h.tracker.untrack(ws)
		conn.Close()
	}()

	// Read loop for close detection only; the feed is one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
