// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
)

// Registry maps session/runner/terminal ids to live transport handles for
// this process only. Handles are not serializable; after any reconnect the
// registry is rebuilt, never restored. Owner and viewer connections arrive
// on independent goroutines, so every map is mutex-guarded.
type Registry struct {
	mu          sync.RWMutex
	owners      map[string]Conn
	runners     map[string]Conn
	termViewers map[string]map[Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		owners:      make(map[string]Conn),
		runners:     make(map[string]Conn),
		termViewers: make(map[string]map[Conn]struct{}),
	}
}

// PutOwner stores the live owner handle for a session, replacing any
// previous one. The previous handle is returned so the caller can notify it.
func (r *Registry) PutOwner(sessionID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.owners[sessionID]
	r.owners[sessionID] = conn
	return prev
}

// Owner returns the live owner handle, or nil.
func (r *Registry) Owner(sessionID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[sessionID]
}

// RemoveOwner removes the owner handle only if it is still conn. A stale
// connection's deferred cleanup must not evict its replacement.
func (r *Registry) RemoveOwner(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[sessionID] == conn {
		delete(r.owners, sessionID)
	}
}

// DropOwner removes the owner handle unconditionally.
func (r *Registry) DropOwner(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, sessionID)
}

// PutRunner stores the live runner handle, replacing any previous one.
func (r *Registry) PutRunner(runnerID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.runners[runnerID]
	r.runners[runnerID] = conn
	return prev
}

// Runner returns the live runner handle, or nil.
func (r *Registry) Runner(runnerID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[runnerID]
}

// RemoveRunner removes the runner handle only if it is still conn.
func (r *Registry) RemoveRunner(runnerID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runners[runnerID] == conn {
		delete(r.runners, runnerID)
	}
}

// AddTerminalViewer adds a viewer handle to a terminal's set. Multiple
// viewers per terminal are supported so two UI surfaces can mirror the
// same PTY.
func (r *Registry) AddTerminalViewer(terminalID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.termViewers[terminalID]
	if !ok {
		set = make(map[Conn]struct{})
		r.termViewers[terminalID] = set
	}
	set[conn] = struct{}{}
}

// RemoveTerminalViewer removes one viewer handle.
func (r *Registry) RemoveTerminalViewer(terminalID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.termViewers[terminalID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.termViewers, terminalID)
	}
}

// TerminalViewers returns the current viewer handles for a terminal.
func (r *Registry) TerminalViewers(terminalID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.termViewers[terminalID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// DropTerminal removes every viewer handle for a terminal.
func (r *Registry) DropTerminal(terminalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.termViewers, terminalID)
}
