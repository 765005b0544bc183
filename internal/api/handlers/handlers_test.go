// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/beacon/internal/api"
	"github.com/wingedpig/beacon/internal/api/handlers"
	"github.com/wingedpig/beacon/internal/relay"
	"github.com/wingedpig/beacon/internal/runner"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := relay.NewMemoryDirectory()
	t.Cleanup(func() { dir.Close() })

	svc := relay.NewService(dir, relay.NewEventCache(relay.EventCacheConfig{}), relay.NewRegistry(), relay.NewHub(), relay.ServiceConfig{
		ShareBaseURL: "https://relay.test",
	})
	mgr := runner.NewManager(dir, svc, runner.Config{CommandTimeout: time.Second})
	auth := handlers.NewStaticKeyAuth([]string{"alice:owner-key"}, []string{"alice:viewer-key"})

	router := api.NewRouter(api.Dependencies{Relay: svc, Runners: mgr, Auth: auth}, handlers.NewTracker())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func registerOwner(t *testing.T, srv *httptest.Server) (*websocket.Conn, string, string) {
	t.Helper()
	conn := dialWS(t, srv, "/api/v1/owner/ws?key=owner-key")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":        "register",
		"cwd":         "/home/alice/proj",
		"sessionName": "demo",
	}))
	reg := readMessage(t, conn)
	require.Equal(t, "registered", reg["type"])
	sessionID, _ := reg["sessionId"].(string)
	token, _ := reg["token"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, token)
	assert.Equal(t, "https://relay.test/s/"+sessionID, reg["shareUrl"])
	return conn, sessionID, token
}

func TestOwnerRegisterAndViewerStream(t *testing.T) {
	srv := newTestServer(t)
	owner, sessionID, token := registerOwner(t, srv)

	viewer := dialWS(t, srv, "/api/v1/viewer/ws?key=viewer-key&sessionId="+sessionID)
	connected := readMessage(t, viewer)
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, sessionID, connected["sessionId"])
	assert.Equal(t, float64(0), connected["lastSeq"])

	require.NoError(t, owner.WriteJSON(map[string]interface{}{
		"type":      "event",
		"sessionId": sessionID,
		"token":     token,
		"clientSeq": 1,
		"payload":   map[string]interface{}{"type": "message_delta", "text": "hi"},
	}))

	ack := readMessage(t, owner)
	assert.Equal(t, "event_ack", ack["type"])
	assert.Equal(t, float64(1), ack["clientSeq"])

	event := readMessage(t, viewer)
	assert.Equal(t, "event", event["type"])
	assert.Equal(t, float64(1), event["seq"])
	payload := event["payload"].(map[string]interface{})
	assert.Equal(t, "hi", payload["text"])
}

func TestOwnerBadTokenKeepsConnection(t *testing.T) {
	srv := newTestServer(t)
	owner, sessionID, token := registerOwner(t, srv)

	require.NoError(t, owner.WriteJSON(map[string]interface{}{
		"type":      "event",
		"sessionId": sessionID,
		"token":     "wrong",
		"payload":   map[string]interface{}{"type": "message_delta"},
	}))
	errMsg := readMessage(t, owner)
	assert.Equal(t, "error", errMsg["type"])

	// The connection survives; a correct event still goes through.
	require.NoError(t, owner.WriteJSON(map[string]interface{}{
		"type":      "event",
		"sessionId": sessionID,
		"token":     token,
		"clientSeq": 1,
		"payload":   map[string]interface{}{"type": "message_delta"},
	}))
	ack := readMessage(t, owner)
	assert.Equal(t, "event_ack", ack["type"])
}

func TestOwnerDisconnectEndsSessionForViewer(t *testing.T) {
	srv := newTestServer(t)
	owner, sessionID, _ := registerOwner(t, srv)

	viewer := dialWS(t, srv, "/api/v1/viewer/ws?key=viewer-key&sessionId="+sessionID)
	readMessage(t, viewer) // connected

	owner.Close()

	disc := readMessage(t, viewer)
	assert.Equal(t, "disconnected", disc["type"])
	assert.Equal(t, "connection closed", disc["reason"])
}

func TestViewerUnknownSessionGetsExplicitClose(t *testing.T) {
	srv := newTestServer(t)
	viewer := dialWS(t, srv, "/api/v1/viewer/ws?key=viewer-key&sessionId=nope")
	disc := readMessage(t, viewer)
	assert.Equal(t, "disconnected", disc["type"])
	assert.Equal(t, "unknown session", disc["reason"])
}

func TestViewerAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/viewer/ws?sessionId=x"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunnerSecretMismatchDisconnects(t *testing.T) {
	srv := newTestServer(t)

	first := dialWS(t, srv, "/api/v1/runner/ws?key=owner-key")
	require.NoError(t, first.WriteJSON(map[string]interface{}{
		"type":     "register",
		"runnerId": "r-persist",
		"secret":   "secret-a",
	}))
	reg := readMessage(t, first)
	require.Equal(t, "registered", reg["type"])
	assert.Equal(t, "r-persist", reg["runnerId"])

	second := dialWS(t, srv, "/api/v1/runner/ws?key=owner-key")
	require.NoError(t, second.WriteJSON(map[string]interface{}{
		"type":     "register",
		"runnerId": "r-persist",
		"secret":   "secret-b",
	}))
	errMsg := readMessage(t, second)
	assert.Equal(t, "error", errMsg["type"])

	// The server closes the connection after the error.
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
}

func TestSessionListREST(t *testing.T) {
	srv := newTestServer(t)
	_, sessionID, _ := registerOwner(t, srv)

	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer viewer-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Sessions []struct {
				ID          string `json:"id"`
				SessionName string `json:"sessionName"`
			} `json:"sessions"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data.Sessions, 1)
	assert.Equal(t, sessionID, body.Data.Sessions[0].ID)
	assert.Equal(t, "demo", body.Data.Sessions[0].SessionName)
}

func TestRunnerCommandTimeoutREST(t *testing.T) {
	srv := newTestServer(t)

	rc := dialWS(t, srv, "/api/v1/runner/ws?key=owner-key")
	require.NoError(t, rc.WriteJSON(map[string]interface{}{"type": "register", "displayName": "box"}))
	reg := readMessage(t, rc)
	runnerID := reg["runnerId"].(string)

	// The runner never answers; the round-trip surfaces as a timeout.
	req, _ := http.NewRequest("POST", srv.URL+"/api/v1/runners/"+runnerID+"/command",
		strings.NewReader(`{"type":"git_status"}`))
	req.Header.Set("Authorization", "Bearer owner-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestStaticKeyAuth(t *testing.T) {
	auth := handlers.NewStaticKeyAuth([]string{"alice:ok", "bare-key"}, nil)

	req := httptest.NewRequest("GET", "/?key=ok", nil)
	ident, err := auth.Owner(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", ident.UserID)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer bare-key")
	ident, err = auth.Owner(req)
	require.NoError(t, err)
	assert.Equal(t, "default", ident.UserID)

	req = httptest.NewRequest("GET", "/?key=wrong", nil)
	_, err = auth.Owner(req)
	assert.ErrorIs(t, err, handlers.ErrBadCredential)

	// Viewer keys fall back to owner keys when unset.
	_, err = auth.Viewer(httptest.NewRequest("GET", "/?key=ok", nil))
	assert.NoError(t, err)
}
