// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the session relay core: the session directory,
// event cache, connection registry, hub feed, and the relay service that
// moves agent events from owner connections to viewers.
package relay

import (
	"time"
)

// Identity is the resolved identity of a connection, handed to the relay by
// the authentication layer. The relay trusts it and uses it only for hub
// scoping and ownership checks.
type Identity struct {
	UserID   string
	UserName string
}

// Conn is a live transport handle the relay can push messages to. Handlers
// wrap their WebSocket connections in this; tests use in-memory fakes.
//
// Send must be safe for concurrent use.
type Conn interface {
	Send(v interface{}) error
}

// Session is one agent conversation being relayed. The directory stores it;
// live handles live in the Registry, never here.
type Session struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	Cwd           string    `json:"cwd"`
	OwnerUserID   string    `json:"ownerUserId"`
	OwnerUserName string    `json:"ownerUserName"`
	SessionName   string    `json:"sessionName,omitempty"`
	Ephemeral     bool      `json:"ephemeral"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"` // zero unless ephemeral
	CollabMode    bool      `json:"collabMode"`

	// Seq is the monotonic per-session counter stamped on every published
	// event. The SQLite backend keeps it in its own column; see sqlite.go.
	Seq int64 `json:"seq"`

	Active           bool                   `json:"active"`
	LastHeartbeatAt  time.Time              `json:"lastHeartbeatAt,omitempty"`
	LastHeartbeat    map[string]interface{} `json:"lastHeartbeat,omitempty"`
	LastState        map[string]interface{} `json:"lastState,omitempty"`
	Model            string                 `json:"model,omitempty"`
	RunnerID         string                 `json:"runnerId,omitempty"`
	RunnerName       string                 `json:"runnerName,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	LastActivityAt   time.Time              `json:"lastActivityAt"`
}

// ArchivedSession is what survives endSession: enough to replay a final
// snapshot to a viewer that connects after the session is gone.
type ArchivedSession struct {
	SessionID   string                 `json:"sessionId"`
	SessionName string                 `json:"sessionName,omitempty"`
	State       map[string]interface{} `json:"state,omitempty"`
	Reason      string                 `json:"reason"`
	EndedAt     time.Time              `json:"endedAt"`
}

// Event payload subtypes the relay recognizes. Everything else in an owner
// event payload is opaque and forwarded byte-for-byte.
const (
	PayloadHeartbeat     = "heartbeat"
	PayloadSessionActive = "session_active"
	PayloadMessageEnd    = "message_end"
	PayloadThinkingStart = "thinking_start"
	PayloadThinkingEnd   = "thinking_end"
)

// End reasons.
const (
	ReasonEnded        = "ended"
	ReasonReplaced     = "replaced"
	ReasonExpired      = "expired"
	ReasonOrphaned     = "orphaned"
	ReasonDisconnected = "connection closed"
)

// Messages pushed to viewer connections.

// ViewerConnected acknowledges a viewer join. Replay marks the
// archived-snapshot fallback for sessions that no longer exist.
type ViewerConnected struct {
	Type        string `json:"type"` // "connected"
	SessionID   string `json:"sessionId"`
	LastSeq     int64  `json:"lastSeq"`
	Active      bool   `json:"active"`
	SessionName string `json:"sessionName,omitempty"`
	CollabMode  bool   `json:"collabMode"`
	Replay      bool   `json:"replay,omitempty"`
}

// ViewerEvent carries one event payload to a viewer. Seq is unset for
// heartbeats, which refresh liveness without consuming a sequence number.
type ViewerEvent struct {
	Type    string                 `json:"type"` // "event"
	Seq     *int64                 `json:"seq,omitempty"`
	Replay  bool                   `json:"replay,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// ViewerDisconnected is the explicit terminal message every viewer gets.
type ViewerDisconnected struct {
	Type   string `json:"type"` // "disconnected"
	Reason string `json:"reason"`
}

// Messages pushed to owner connections.

// OwnerRegistered acknowledges a registration.
type OwnerRegistered struct {
	Type      string `json:"type"` // "registered"
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ShareURL  string `json:"shareUrl"`
}

// EventAck is the cumulative acknowledgement: the max client ordinal seen
// so far, never decreasing.
type EventAck struct {
	Type      string `json:"type"` // "event_ack"
	ClientSeq int64  `json:"clientSeq"`
}

// SessionMessage is an inter-session message forwarded to the target
// session's owner.
type SessionMessage struct {
	Type          string `json:"type"` // "session_message"
	FromSessionID string `json:"fromSessionId"`
	Text          string `json:"text"`
}

// SessionMessageError reports a delivery failure back to the sender.
type SessionMessageError struct {
	Type            string `json:"type"` // "session_message_error"
	TargetSessionID string `json:"targetSessionId"`
	Error           string `json:"error"`
}

// SessionExpired notifies a locally-connected owner that the sweeper ended
// its ephemeral session.
type SessionExpired struct {
	Type      string `json:"type"` // "session_expired"
	SessionID string `json:"sessionId"`
}

// ErrorMessage rejects a single message without closing the connection.
type ErrorMessage struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}

// payloadType returns the type discriminator of an opaque event payload.
func payloadType(p map[string]interface{}) string {
	t, _ := p["type"].(string)
	return t
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadBool(p map[string]interface{}, key string) bool {
	b, _ := p[key].(bool)
	return b
}

// payloadInt reads an integer field that JSON decoding delivered as float64.
func payloadInt(p map[string]interface{}, key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// extractSessionName pulls a session-name field out of a session_active
// payload, checking the top level and the nested state object.
func extractSessionName(p map[string]interface{}) string {
	if name := payloadString(p, "sessionName"); name != "" {
		return name
	}
	if state, ok := p["state"].(map[string]interface{}); ok {
		return payloadString(state, "sessionName")
	}
	return ""
}

// extractModel reduces a heartbeat's model object to a comparable identity
// string for change detection.
func extractModel(p map[string]interface{}) string {
	m, ok := p["model"].(map[string]interface{})
	if !ok {
		return ""
	}
	provider := payloadString(m, "provider")
	id := payloadString(m, "id")
	if id == "" {
		id = payloadString(m, "name")
	}
	if provider == "" {
		return id
	}
	return provider + "/" + id
}

// isFullSnapshot reports whether a cached event can reconstruct the session
// on its own: a session_active state, or a turn-final message_end that
// carries the full message list. Partial deltas are skipped because they
// are meaningless without the snapshot they apply to.
func isFullSnapshot(p map[string]interface{}) bool {
	switch payloadType(p) {
	case PayloadSessionActive:
		return true
	case PayloadMessageEnd:
		_, ok := p["messages"]
		return ok
	}
	return false
}
