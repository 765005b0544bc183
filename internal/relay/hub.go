// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log"
	"sync"
)

// HubMessage is the one-way session-list feed pushed to hub listeners.
type HubMessage struct {
	Type        string `json:"type"` // session_added | session_removed | session_status
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName,omitempty"`
	OwnerUserID string `json:"ownerUserId,omitempty"`
	Active      bool   `json:"active"`
	Model       string `json:"model,omitempty"`
	Ephemeral   bool   `json:"ephemeral,omitempty"`
}

// Hub fans session lifecycle notifications out to interested listeners,
// optionally scoped to a single owning user. Status pushes happen only on
// actual change; the relay service does the change detection.
type Hub struct {
	mu        sync.Mutex
	listeners map[*hubListener]struct{}
}

type hubListener struct {
	conn   Conn
	userID string // "" means all users
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[*hubListener]struct{})}
}

// AddListener registers a listener. A non-empty userID scopes the feed to
// sessions owned by that user. The returned func removes the listener.
func (h *Hub) AddListener(conn Conn, userID string) func() {
	l := &hubListener{conn: conn, userID: userID}
	h.mu.Lock()
	h.listeners[l] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, l)
		h.mu.Unlock()
	}
}

func (h *Hub) broadcast(msg HubMessage) {
	h.mu.Lock()
	targets := make([]*hubListener, 0, len(h.listeners))
	for l := range h.listeners {
		if l.userID == "" || l.userID == msg.OwnerUserID {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	for _, l := range targets {
		if err := l.conn.Send(msg); err != nil {
			log.Printf("Hub: dropped %s for %s: %v", msg.Type, msg.SessionID, err)
		}
	}
}

// SessionAdded announces a new session.
func (h *Hub) SessionAdded(sess *Session) {
	h.broadcast(HubMessage{
		Type:        "session_added",
		SessionID:   sess.ID,
		SessionName: sess.SessionName,
		OwnerUserID: sess.OwnerUserID,
		Active:      sess.Active,
		Ephemeral:   sess.Ephemeral,
	})
}

// SessionRemoved announces a session end.
func (h *Hub) SessionRemoved(ownerUserID, sessionID string) {
	h.broadcast(HubMessage{
		Type:        "session_removed",
		SessionID:   sessionID,
		OwnerUserID: ownerUserID,
	})
}

// SessionStatus announces a change to the active flag, model identity, or
// session name.
func (h *Hub) SessionStatus(ownerUserID, sessionID string, active bool, model, name string) {
	h.broadcast(HubMessage{
		Type:        "session_status",
		SessionID:   sessionID,
		SessionName: name,
		OwnerUserID: ownerUserID,
		Active:      active,
		Model:       model,
	})
}
