// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/beacon/internal/relay"
)

// Manager tracks registered runners, routes command round-trips, and owns
// the terminal bridge. Runner records are per-process and ephemeral; only
// the id↔secret bindings go through the directory.
type Manager struct {
	mu        sync.Mutex
	dir       relay.Directory
	reg       *relay.Registry
	svc       *relay.Service
	cfg       Config
	now       func() time.Time
	runners   map[string]*Runner
	terminals map[string]*terminal
	pending   map[string]chan map[string]interface{} // requestId → response
}

// NewManager creates the runner manager.
func NewManager(dir relay.Directory, svc *relay.Service, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		dir:       dir,
		reg:       svc.Registry(),
		svc:       svc,
		cfg:       cfg,
		now:       time.Now,
		runners:   make(map[string]*Runner),
		terminals: make(map[string]*terminal),
		pending:   make(map[string]chan map[string]interface{}),
	}
}

// RegisterOptions describes one runner registration request.
type RegisterOptions struct {
	RunnerID    string // persistent id; empty means allocate a fresh one
	Secret      string // required alongside a persistent id
	DisplayName string
	Roots       []string
	Skills      []Skill
}

// RegisterResult is the registration response: the effective id plus any
// live sessions still linked to it, so a restarted runner can re-adopt
// its orphaned workers.
type RegisterResult struct {
	RunnerID string
	Sessions []*relay.Session
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Register admits a runner connection. A persistent (id, secret) pair is
// bound on first sight; afterwards the same id re-registers only with the
// exact same secret. A mismatch is an identity violation, never a silent
// rename; the handler disconnects on ErrSecretMismatch.
func (m *Manager) Register(ctx context.Context, owner relay.Identity, conn relay.Conn, opts RegisterOptions) (*RegisterResult, error) {
	id := opts.RunnerID
	if id != "" && opts.Secret != "" {
		hash := hashSecret(opts.Secret)
		bound, err := m.dir.RunnerSecretHash(ctx, id)
		switch {
		case errors.Is(err, relay.ErrSecretNotFound):
			if err := m.dir.BindRunnerSecret(ctx, id, hash); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		case bound != hash:
			return nil, ErrSecretMismatch
		}
	} else {
		id = uuid.NewString()
	}

	m.mu.Lock()
	m.runners[id] = &Runner{
		ID:          id,
		OwnerUserID: owner.UserID,
		DisplayName: opts.DisplayName,
		Roots:       opts.Roots,
		Skills:      opts.Skills,
	}
	m.mu.Unlock()

	if prev := m.reg.PutRunner(id, conn); prev != nil {
		log.Printf("Runner: %s re-registered, replacing stale handle", id)
	}

	sessions, err := m.svc.SessionsForRunner(ctx, id)
	if err != nil {
		log.Printf("Runner: session lookup for %s failed: %v", id, err)
	}
	return &RegisterResult{RunnerID: id, Sessions: sessions}, nil
}

// Deregister removes a runner's live record on disconnect. Conn-guarded
// so a stale connection's cleanup cannot evict its replacement. Terminals
// owned by the runner are marked exited and scheduled for collection.
func (m *Manager) Deregister(runnerID string, conn relay.Conn) {
	if m.reg.Runner(runnerID) != conn {
		return
	}
	m.reg.RemoveRunner(runnerID, conn)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, runnerID)
	for _, term := range m.terminals {
		if term.runnerID == runnerID && term.state != stateExited {
			m.exitTerminalLocked(term, -1)
		}
	}
}

// Runner returns the live record for an id.
func (m *Manager) Runner(runnerID string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return nil, ErrRunnerNotFound
	}
	cp := *r
	return &cp, nil
}

// Runners lists the live runner records for one user.
func (m *Manager) Runners(userID string) []*Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Runner
	for _, r := range m.runners {
		if r.OwnerUserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// UpdateSkills replaces a runner's advertised skill list.
func (m *Manager) UpdateSkills(runnerID string, skills []Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return ErrRunnerNotFound
	}
	r.Skills = skills
	return nil
}

// UpdateRoots replaces a runner's allowed path prefixes.
func (m *Manager) UpdateRoots(runnerID string, roots []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return ErrRunnerNotFound
	}
	r.Roots = roots
	return nil
}

// SessionReady records that a runner spawned a session. The link lands on
// the session record directly when it already exists, or is parked as a
// pending link consumed by the session's upcoming registration.
func (m *Manager) SessionReady(runnerID, sessionID string) {
	m.mu.Lock()
	var name string
	if r, ok := m.runners[runnerID]; ok {
		r.Sessions = append(r.Sessions, sessionID)
		name = r.DisplayName
	}
	m.mu.Unlock()

	m.svc.AddPendingLink(sessionID, runnerID, name)
}

// SessionError records that a runner failed to spawn a session it was
// asked for. The link is dropped so later lookups don't count a session
// that never came up.
func (m *Manager) SessionError(runnerID, sessionID, errMsg string) {
	log.Printf("Runner: %s failed to spawn session %s: %s", runnerID, sessionID, errMsg)
	m.unlinkSession(runnerID, sessionID)
}

// SessionKilled ends a session whose process the runner terminated. The
// session must actually be linked to the reporting runner.
func (m *Manager) SessionKilled(ctx context.Context, runnerID, sessionID string) {
	m.unlinkSession(runnerID, sessionID)

	sess, err := m.dir.Get(ctx, sessionID)
	if err != nil || sess.RunnerID != runnerID {
		return
	}
	if err := m.svc.EndSession(ctx, sessionID, relay.ReasonEnded); err != nil {
		log.Printf("Runner: ending killed session %s failed: %v", sessionID, err)
	}
}

func (m *Manager) unlinkSession(runnerID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return
	}
	for i, id := range r.Sessions {
		if id == sessionID {
			r.Sessions = append(r.Sessions[:i], r.Sessions[i+1:]...)
			return
		}
	}
}

// Command sends a request payload to a runner and waits for the matching
// response. Every round-trip gets a fresh requestId and a deadline; a
// timeout is a caller-visible error, never a forever-pending call.
func (m *Manager) Command(ctx context.Context, runnerID string, payload map[string]interface{}) (map[string]interface{}, error) {
	conn := m.reg.Runner(runnerID)
	if conn == nil {
		return nil, ErrRunnerNotFound
	}

	requestID := uuid.NewString()
	ch := make(chan map[string]interface{}, 1)
	m.mu.Lock()
	m.pending[requestID] = ch
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}

	msg := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["requestId"] = requestID

	if err := conn.Send(msg); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(m.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Resolve completes a pending command round-trip. Responses with no
// waiter (already timed out) are dropped.
func (m *Manager) Resolve(requestID string, payload map[string]interface{}) {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	delete(m.pending, requestID)
	m.mu.Unlock()
	if ok {
		ch <- payload
	}
}
