// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"
)

// EventCacheConfig configures the per-session recent-event cache.
type EventCacheConfig struct {
	MaxEvents    int           // per session
	MaxAge       time.Duration // non-ephemeral sessions
	EphemeralAge time.Duration // ephemeral sessions
}

// EventCache keeps a capped, append-only buffer of recent events per
// session. It exists to reconstruct the latest full snapshot for viewers
// that connect while the owner is momentarily offline, not to replay
// history.
type EventCache struct {
	mu       sync.RWMutex
	sessions map[string]*cacheEntry
	cfg      EventCacheConfig
}

type cacheEntry struct {
	events    []map[string]interface{}
	ephemeral bool
	lastTouch time.Time
}

// NewEventCache creates an event cache.
func NewEventCache(cfg EventCacheConfig) *EventCache {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 200
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.EphemeralAge <= 0 {
		cfg.EphemeralAge = time.Hour
	}
	return &EventCache{
		sessions: make(map[string]*cacheEntry),
		cfg:      cfg,
	}
}

// Append stores an event, newest-last, dropping the oldest past the cap.
func (c *EventCache) Append(sessionID string, payload map[string]interface{}, ephemeral bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		entry = &cacheEntry{}
		c.sessions[sessionID] = entry
	}
	entry.ephemeral = ephemeral
	entry.lastTouch = time.Now()
	entry.events = append(entry.events, payload)
	if len(entry.events) > c.cfg.MaxEvents {
		entry.events = entry.events[len(entry.events)-c.cfg.MaxEvents:]
	}
}

// Recent returns the cached events for a session, oldest first.
func (c *EventCache) Recent(sessionID string) []map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, len(entry.events))
	copy(out, entry.events)
	return out
}

// Snapshot walks newest to oldest and returns the first event that is a
// full-state snapshot on its own. Delta events are skipped.
func (c *EventCache) Snapshot(sessionID string) (map[string]interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	for i := len(entry.events) - 1; i >= 0; i-- {
		if isFullSnapshot(entry.events[i]) {
			return entry.events[i], true
		}
	}
	return nil, false
}

// Drop discards a session's buffer. Called when the session ends.
func (c *EventCache) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Prune evicts buffers idle past their TTL. Ephemeral sessions use the
// shorter age so their cached state disappears alongside the record.
func (c *EventCache) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.sessions {
		maxAge := c.cfg.MaxAge
		if entry.ephemeral {
			maxAge = c.cfg.EphemeralAge
		}
		if now.Sub(entry.lastTouch) > maxAge {
			delete(c.sessions, id)
		}
	}
}
