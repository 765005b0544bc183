// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the relay server.
package config

import (
	"time"
)

// Config is the root configuration structure for Beacon.
type Config struct {
	Version  string         `json:"version"`
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	Relay    RelayConfig    `json:"relay"`
	Terminal TerminalConfig `json:"terminal"`
	Runner   RunnerConfig   `json:"runner"`
	Auth     AuthConfig     `json:"auth"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port    int    `json:"port"`
	Host    string `json:"host"`
	TLSCert string `json:"tls_cert"` // Path to TLS certificate file (enables HTTPS if both cert and key set)
	TLSKey  string `json:"tls_key"`  // Path to TLS private key file
}

// StoreConfig selects the session directory backend.
type StoreConfig struct {
	Backend string `json:"backend"` // "memory" or "sqlite"
	Path    string `json:"path"`    // sqlite database file
}

// RelayConfig tunes session lifecycle and the event cache.
type RelayConfig struct {
	EphemeralTTL  string      `json:"ephemeral_ttl"`  // e.g. "24h"
	OrphanAfter   string      `json:"orphan_after"`   // staleness before the orphan sweep ends a session
	SweepInterval string      `json:"sweep_interval"` // how often the sweepers run
	ShareBaseURL  string      `json:"share_base_url"`
	Cache         CacheConfig `json:"cache"`
}

// CacheConfig tunes the per-session recent-event cache.
type CacheConfig struct {
	MaxEvents    int    `json:"max_events"`
	MaxAge       string `json:"max_age"`
	EphemeralAge string `json:"ephemeral_age"`
}

// TerminalConfig tunes the terminal bridge timers.
type TerminalConfig struct {
	PendingTimeout string `json:"pending_timeout"` // unspawned terminal with no viewer
	ExitGrace      string `json:"exit_grace"`      // exited terminal kept for late replay
	DetachGrace    string `json:"detach_grace"`    // running terminal after last viewer left
}

// RunnerConfig tunes runner command round-trips.
type RunnerConfig struct {
	CommandTimeout string `json:"command_timeout"`
}

// AuthConfig holds the static credentials connections must present.
type AuthConfig struct {
	OwnerKeys  []string `json:"owner_keys"`  // accepted owner/runner credentials
	ViewerKeys []string `json:"viewer_keys"` // accepted viewer credentials; empty falls back to owner_keys
}

// ParseDuration parses a duration string, returning a default if empty.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
