// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync"
	"time"
)

// MemoryDirectory is the single-process Directory backend. Everything is
// lost on restart; viewers of a restarted server fall through to the
// archive path only when the SQLite backend is in use.
type MemoryDirectory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	secrets  map[string]string
	archive  map[string]*ArchivedSession
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		sessions: make(map[string]*Session),
		secrets:  make(map[string]string),
		archive:  make(map[string]*ArchivedSession),
	}
}

func cloneSession(s *Session) *Session {
	c := *s
	if s.LastHeartbeat != nil {
		c.LastHeartbeat = make(map[string]interface{}, len(s.LastHeartbeat))
		for k, v := range s.LastHeartbeat {
			c.LastHeartbeat[k] = v
		}
	}
	if s.LastState != nil {
		c.LastState = make(map[string]interface{}, len(s.LastState))
		for k, v := range s.LastState {
			c.LastState[k] = v
		}
	}
	return &c
}

// Create inserts a new session record.
func (d *MemoryDirectory) Create(ctx context.Context, sess *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	d.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Get returns a copy of the record.
func (d *MemoryDirectory) Get(ctx context.Context, id string) (*Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// Update applies fn under the write lock.
func (d *MemoryDirectory) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

// Delete removes the record; absent ids are a no-op.
func (d *MemoryDirectory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
	return nil
}

// List returns copies of every record.
func (d *MemoryDirectory) List(ctx context.Context) ([]*Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		out = append(out, cloneSession(sess))
	}
	return out, nil
}

// NextSeq increments and returns the sequence counter.
func (d *MemoryDirectory) NextSeq(ctx context.Context, id string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	sess.Seq++
	return sess.Seq, nil
}

// BindRunnerSecret stores the secret hash for a runner id.
func (d *MemoryDirectory) BindRunnerSecret(ctx context.Context, runnerID, secretHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets[runnerID] = secretHash
	return nil
}

// RunnerSecretHash returns the bound hash.
func (d *MemoryDirectory) RunnerSecretHash(ctx context.Context, runnerID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hash, ok := d.secrets[runnerID]
	if !ok {
		return "", ErrSecretNotFound
	}
	return hash, nil
}

// Archive keeps the final snapshot of an ended session.
func (d *MemoryDirectory) Archive(ctx context.Context, sess *Session, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.archive[sess.ID] = &ArchivedSession{
		SessionID:   sess.ID,
		SessionName: sess.SessionName,
		State:       sess.LastState,
		Reason:      reason,
		EndedAt:     time.Now(),
	}
	return nil
}

// LoadArchive returns the end-of-session snapshot.
func (d *MemoryDirectory) LoadArchive(ctx context.Context, id string) (*ArchivedSession, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	arch, ok := d.archive[id]
	if !ok {
		return nil, ErrArchiveNotFound
	}
	return arch, nil
}

// Close releases resources.
func (d *MemoryDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = make(map[string]*Session)
	d.archive = make(map[string]*ArchivedSession)
	return nil
}
