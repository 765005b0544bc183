// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file in the current directory.
// It looks for beacon.hjson first, then beacon.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"beacon.hjson",
		"beacon.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for beacon.hjson, beacon.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4090
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	// Store defaults
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "beacon.db"
	}

	// Relay defaults
	if cfg.Relay.EphemeralTTL == "" {
		cfg.Relay.EphemeralTTL = "24h"
	}
	if cfg.Relay.OrphanAfter == "" {
		cfg.Relay.OrphanAfter = "5m"
	}
	if cfg.Relay.SweepInterval == "" {
		cfg.Relay.SweepInterval = "30s"
	}
	if cfg.Relay.ShareBaseURL == "" {
		cfg.Relay.ShareBaseURL = "http://127.0.0.1:4090"
	}
	if cfg.Relay.Cache.MaxEvents == 0 {
		cfg.Relay.Cache.MaxEvents = 200
	}
	if cfg.Relay.Cache.MaxAge == "" {
		cfg.Relay.Cache.MaxAge = "24h"
	}
	if cfg.Relay.Cache.EphemeralAge == "" {
		cfg.Relay.Cache.EphemeralAge = "1h"
	}

	// Terminal defaults
	if cfg.Terminal.PendingTimeout == "" {
		cfg.Terminal.PendingTimeout = "1m"
	}
	if cfg.Terminal.ExitGrace == "" {
		cfg.Terminal.ExitGrace = "30s"
	}
	if cfg.Terminal.DetachGrace == "" {
		cfg.Terminal.DetachGrace = "5m"
	}

	// Runner defaults
	if cfg.Runner.CommandTimeout == "" {
		cfg.Runner.CommandTimeout = "10s"
	}
}
