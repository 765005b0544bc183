// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// relayStub is a minimal owner endpoint: it answers registrations and
// records every event it receives, acking on demand.
type relayStub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	events []map[string]interface{}
	conns  []*websocket.Conn
}

func (s *relayStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["type"] {
			case "register":
				sessionID, _ := msg["sessionId"].(string)
				if sessionID == "" {
					sessionID = "s-1"
				}
				conn.WriteJSON(map[string]interface{}{
					"type":      "registered",
					"sessionId": sessionID,
					"token":     "tok-1",
					"shareUrl":  "http://relay.test/s/" + sessionID,
				})
			case "event":
				s.mu.Lock()
				s.events = append(s.events, msg)
				s.mu.Unlock()
			}
		}
	}
}

func (s *relayStub) received() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, len(s.events))
	copy(out, s.events)
	return out
}

func (s *relayStub) ack(t *testing.T, clientSeq int64) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteJSON(map[string]interface{}{
		"type":      "event_ack",
		"clientSeq": clientSeq,
	}); err != nil {
		t.Fatalf("ack write failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestDialOwnerRegisters(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	sess, err := DialOwner(context.Background(), srv.URL, "k", OwnerOptions{SessionName: "demo"})
	if err != nil {
		t.Fatalf("DialOwner failed: %v", err)
	}
	defer sess.Close()

	if sess.SessionID() != "s-1" {
		t.Errorf("SessionID = %q, want s-1", sess.SessionID())
	}
	if sess.Token() != "tok-1" {
		t.Errorf("Token = %q, want tok-1", sess.Token())
	}
	if sess.ShareURL() != "http://relay.test/s/s-1" {
		t.Errorf("ShareURL = %q", sess.ShareURL())
	}
}

func TestSendEventAndAck(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	sess, err := DialOwner(context.Background(), srv.URL, "k", OwnerOptions{})
	if err != nil {
		t.Fatalf("DialOwner failed: %v", err)
	}
	defer sess.Close()

	if err := sess.SendEvent(map[string]interface{}{"type": "message_delta", "text": "hi"}); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	waitFor(t, func() bool { return len(stub.received()) == 1 })

	got := stub.received()[0]
	if got["token"] != "tok-1" || got["clientSeq"] != float64(1) {
		t.Errorf("unexpected event envelope: %+v", got)
	}
	if sess.Pending() != 1 {
		t.Errorf("Pending = %d, want 1 before ack", sess.Pending())
	}

	stub.ack(t, 1)
	waitFor(t, func() bool { return sess.Pending() == 0 })
}

func TestReconnectResendsUnacked(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	sess, err := DialOwner(context.Background(), srv.URL, "k", OwnerOptions{})
	if err != nil {
		t.Fatalf("DialOwner failed: %v", err)
	}
	defer sess.Close()

	sess.SendEvent(map[string]interface{}{"n": 1})
	sess.SendEvent(map[string]interface{}{"n": 2})
	sess.SendEvent(map[string]interface{}{"n": 3})
	waitFor(t, func() bool { return len(stub.received()) == 3 })

	// Only the first event made it to an ack before the drop.
	stub.ack(t, 1)
	waitFor(t, func() bool { return sess.Pending() == 2 })

	if err := sess.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}

	// Events 2 and 3 arrive again, in order, with their original seqs,
	// under the same session id.
	waitFor(t, func() bool { return len(stub.received()) == 5 })
	resent := stub.received()[3:]
	if resent[0]["clientSeq"] != float64(2) || resent[1]["clientSeq"] != float64(3) {
		t.Errorf("resend order wrong: %+v", resent)
	}
	if resent[0]["sessionId"] != "s-1" {
		t.Errorf("resend used session %v, want s-1", resent[0]["sessionId"])
	}
}
