// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides a Go client library for the Beacon relay.
//
// Beacon relays live agent sessions from owner processes to browser
// viewers. This package covers all three roles:
//
//   - REST access to the session and runner listings ([New])
//   - the owner side of the relay protocol ([DialOwner]), including
//     buffered resend of unacknowledged events across reconnects
//   - the runner worker agent ([DialAgent]), which spawns PTY terminals
//     on request and bridges their I/O
//
// # Getting Started
//
// Create a REST client pointing at your relay:
//
//	c := client.New("http://localhost:4090", client.WithKey("alice:secret"))
//	sessions, err := c.Sessions.List(ctx)
//
// # Error Handling
//
// API errors are returned as *APIError values, which include an error
// code and message:
//
//	sessions, err := c.Sessions.List(ctx)
//	if err != nil {
//	    if apiErr, ok := err.(*client.APIError); ok {
//	        fmt.Printf("API error: %s - %s\n", apiErr.Code, apiErr.Message)
//	    }
//	}
//
// # Context Support
//
// All API methods accept a context.Context for cancellation and timeouts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a Beacon REST API client.
//
// The Client is safe for concurrent use by multiple goroutines.
type Client struct {
	baseURL    string
	key        string
	httpClient *http.Client

	// Sessions provides access to the live session listing.
	Sessions *SessionClient

	// Runners provides access to runner records, terminal spawning, and
	// command round-trips.
	Runners *RunnerClient
}

// Option configures a [Client].
type Option func(*Client)

// New creates a new Beacon API client with the given base URL and options.
//
// The baseURL should be the root URL of the relay server (e.g.
// "http://localhost:4090"). Any trailing slash is automatically removed.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Sessions = &SessionClient{c: c}
	c.Runners = &RunnerClient{c: c}

	return c
}

// WithKey sets the credential sent as a Bearer token on every request.
func WithKey(key string) Option {
	return func(c *Client) {
		c.key = key
	}
}

// WithHTTPClient sets a custom HTTP client for making requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout for all requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// BaseURL returns the base URL of the API.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// apiResponse is the standard API response envelope.
type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

// APIError represents an error response from the Beacon API.
//
// API errors include a machine-readable Code and a human-readable
// Message. Common codes: "NOT_FOUND", "UNAUTHORIZED", "FORBIDDEN",
// "BAD_REQUEST", "TIMEOUT".
type APIError struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details contains additional error information, if available.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// get performs a GET request to the given path.
func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// postJSON performs a POST request with a JSON body.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data))
}

// do performs an HTTP request and parses the response envelope.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return envelope.Data, nil
}

// wsURL converts the client's base URL to the WebSocket scheme and
// appends the path and credential.
func wsURL(baseURL, key, path string) string {
	url := baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	url += path
	if key != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		url += sep + "key=" + key
	}
	return url
}
