// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockServer creates a test server with a standard API response.
func mockServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := New(server.URL, WithKey("alice:test-key"))
	return server, client
}

// apiHandler wraps data in the standard response envelope.
func apiHandler(t *testing.T, data interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer alice:test-key" {
			t.Errorf("Authorization = %q, want bearer key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}
}

func TestNew(t *testing.T) {
	c := New("http://localhost:4090/")
	if c.BaseURL() != "http://localhost:4090" {
		t.Errorf("BaseURL = %q, want trailing slash stripped", c.BaseURL())
	}
	if c.Sessions == nil || c.Runners == nil {
		t.Error("sub-clients not initialized")
	}
}

func TestWithTimeout(t *testing.T) {
	c := New("http://localhost:4090", WithTimeout(5*time.Second))
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.httpClient.Timeout)
	}
}

func TestSessionList(t *testing.T) {
	_, c := mockServer(t, apiHandler(t, map[string]interface{}{
		"sessions": []map[string]interface{}{
			{"id": "s-1", "sessionName": "demo", "active": true},
		},
	}))

	sessions, err := c.Sessions.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].ID != "s-1" || sessions[0].SessionName != "demo" || !sessions[0].Active {
		t.Errorf("unexpected session: %+v", sessions[0])
	}
}

func TestRunnerList(t *testing.T) {
	_, c := mockServer(t, apiHandler(t, map[string]interface{}{
		"runners": []map[string]interface{}{
			{"id": "r-1", "displayName": "devbox", "roots": []string{"/home/alice"}},
		},
	}))

	runners, err := c.Runners.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runners) != 1 || runners[0].ID != "r-1" || runners[0].DisplayName != "devbox" {
		t.Errorf("unexpected runners: %+v", runners)
	}
}

func TestRunnerSkills(t *testing.T) {
	_, c := mockServer(t, apiHandler(t, map[string]interface{}{
		"skills": []map[string]interface{}{
			{"name": "deploy", "description": "deploy to staging"},
		},
	}))

	skills, err := c.Runners.Skills(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("Skills failed: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "deploy" {
		t.Errorf("unexpected skills: %+v", skills)
	}
}

func TestCreateTerminal(t *testing.T) {
	_, c := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var opts SpawnOptions
		json.NewDecoder(r.Body).Decode(&opts)
		if opts.Cwd != "/home/alice/proj" {
			t.Errorf("cwd = %q", opts.Cwd)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"id": "t-1", "runnerId": "r-1"},
		})
	})

	term, err := c.Runners.CreateTerminal(context.Background(), "r-1", SpawnOptions{Cwd: "/home/alice/proj"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	if term.ID != "t-1" || term.RunnerID != "r-1" {
		t.Errorf("unexpected terminal: %+v", term)
	}
}

func TestCommand(t *testing.T) {
	_, c := mockServer(t, apiHandler(t, map[string]interface{}{
		"branch": "main",
		"dirty":  false,
	}))

	resp, err := c.Runners.Command(context.Background(), "r-1", map[string]interface{}{"type": "git_status"})
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if resp["branch"] != "main" {
		t.Errorf("branch = %v, want main", resp["branch"])
	}
}

func TestAPIError(t *testing.T) {
	_, c := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": "NOT_FOUND", "message": "runner not found"},
		})
	})

	_, err := c.Runners.Skills(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", apiErr.Code)
	}
	if apiErr.Error() != "NOT_FOUND: runner not found" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base, key, path, want string
	}{
		{"http://localhost:4090", "k", "/api/v1/owner/ws", "ws://localhost:4090/api/v1/owner/ws?key=k"},
		{"https://relay.example.com", "", "/api/v1/hub/ws", "wss://relay.example.com/api/v1/hub/ws"},
		{"http://localhost:4090", "k", "/api/v1/viewer/ws?sessionId=s", "ws://localhost:4090/api/v1/viewer/ws?sessionId=s&key=k"},
	}
	for _, tt := range tests {
		if got := wsURL(tt.base, tt.key, tt.path); got != tt.want {
			t.Errorf("wsURL(%q, %q, %q) = %q, want %q", tt.base, tt.key, tt.path, got, tt.want)
		}
	}
}
