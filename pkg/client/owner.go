// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// OwnerOptions configures an owner session.
type OwnerOptions struct {
	// SessionID requests a specific session id. Empty means the relay
	// assigns one. Reusing an id across reconnects resumes the same
	// session identity.
	SessionID string

	// SessionName is the human-readable name shown in session listings.
	SessionName string

	// Cwd is the working directory reported for the session.
	Cwd string

	// Ephemeral marks the session for automatic expiry.
	Ephemeral bool

	// CollabMode allows viewers to send input back through the relay.
	CollabMode bool

	// OnMessage receives messages pushed to the owner: forwarded viewer
	// input when collab mode is on, session messages from other owners,
	// and expiry notices. Called from the read loop; do not block.
	OnMessage func(msg map[string]interface{})
}

// OwnerSession is the owner side of a relayed session: it streams events
// to the relay over a WebSocket and tracks which ones the relay has
// acknowledged, so a reconnect can resend anything that may have been
// lost in flight.
type OwnerSession struct {
	baseURL string
	key     string
	opts    OwnerOptions
	buf     *ackBuffer

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn

	sessionID string
	token     string
	shareURL  string
}

// DialOwner connects to the relay, registers a session, and starts the
// read loop. The returned session is ready to send events.
func DialOwner(ctx context.Context, baseURL, key string, opts OwnerOptions) (*OwnerSession, error) {
	s := &OwnerSession{
		baseURL: baseURL,
		key:     key,
		opts:    opts,
		buf:     newAckBuffer(),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SessionID returns the relay-assigned session id.
func (s *OwnerSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Token returns the session's write token.
func (s *OwnerSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ShareURL returns the viewer link for the session.
func (s *OwnerSession) ShareURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shareURL
}

// Pending reports how many sent events the relay has not yet acknowledged.
func (s *OwnerSession) Pending() int {
	return s.buf.size()
}

// connect dials, registers, and starts the read loop. On reconnect it
// reuses the established session id and resends unacknowledged events.
func (s *OwnerSession) connect(ctx context.Context) error {
	url := wsURL(s.baseURL, s.key, "/api/v1/owner/ws")
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	sessionID := s.sessionID
	if sessionID == "" {
		sessionID = s.opts.SessionID
	}
	s.mu.Unlock()

	register := map[string]interface{}{
		"type":        "register",
		"cwd":         s.opts.Cwd,
		"sessionName": s.opts.SessionName,
		"ephemeral":   s.opts.Ephemeral,
		"collabMode":  s.opts.CollabMode,
	}
	if sessionID != "" {
		register["sessionId"] = sessionID
	}
	if err := conn.WriteJSON(register); err != nil {
		conn.Close()
		return fmt.Errorf("failed to register: %w", err)
	}

	var reg struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Token     string `json:"token"`
		ShareURL  string `json:"shareUrl"`
		Error     string `json:"error"`
	}
	if err := conn.ReadJSON(&reg); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read registration: %w", err)
	}
	if reg.Type != "registered" {
		conn.Close()
		return fmt.Errorf("registration rejected: %s", reg.Error)
	}

	s.mu.Lock()
	s.conn = conn
	s.sessionID = reg.SessionID
	s.token = reg.Token
	s.shareURL = reg.ShareURL
	s.mu.Unlock()

	// Anything unacknowledged from a previous connection goes out first,
	// in original order, before new events.
	for _, ev := range s.buf.unacked() {
		if err := s.writeEvent(ev.ClientSeq, ev.Payload); err != nil {
			conn.Close()
			return fmt.Errorf("failed to resend event %d: %w", ev.ClientSeq, err)
		}
	}

	go s.readLoop(conn)
	return nil
}

// Reconnect re-establishes the connection after a transport failure,
// resuming the same session id and resending unacknowledged events.
func (s *OwnerSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	return s.connect(ctx)
}

// SendEvent streams one event payload to the relay. The event is held in
// the resend buffer until the relay acknowledges it.
func (s *OwnerSession) SendEvent(payload map[string]interface{}) error {
	seq := s.buf.add(payload)
	return s.writeEvent(seq, payload)
}

func (s *OwnerSession) writeEvent(clientSeq int64, payload map[string]interface{}) error {
	s.mu.Lock()
	sessionID, token := s.sessionID, s.token
	s.mu.Unlock()
	return s.write(map[string]interface{}{
		"type":      "event",
		"sessionId": sessionID,
		"token":     token,
		"clientSeq": clientSeq,
		"payload":   payload,
	})
}

// SendMessage delivers a text message to another live session owned by
// the same user.
func (s *OwnerSession) SendMessage(targetSessionID, text string) error {
	s.mu.Lock()
	sessionID, token := s.sessionID, s.token
	s.mu.Unlock()
	return s.write(map[string]interface{}{
		"type":            "session_message",
		"sessionId":       sessionID,
		"token":           token,
		"targetSessionId": targetSessionID,
		"text":            text,
	})
}

// End ends the session on the relay and closes the connection.
func (s *OwnerSession) End() error {
	s.mu.Lock()
	sessionID, token := s.sessionID, s.token
	s.mu.Unlock()
	err := s.write(map[string]interface{}{
		"type":      "end",
		"sessionId": sessionID,
		"token":     token,
	})
	s.Close()
	return err
}

// Close closes the WebSocket without ending the session; the relay will
// treat it as a disconnect.
func (s *OwnerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *OwnerSession) write(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// readLoop consumes relay pushes until the connection drops. Acks prune
// the resend buffer; everything else goes to OnMessage.
func (s *OwnerSession) readLoop(conn *websocket.Conn) {
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		if t, _ := msg["type"].(string); t == "event_ack" {
			if seq, ok := msg["clientSeq"].(float64); ok {
				s.buf.ack(int64(seq))
			}
			continue
		}

		if s.opts.OnMessage != nil {
			s.opts.OnMessage(msg)
		}
	}
}
