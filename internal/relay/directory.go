// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session id has no directory record.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned by Create when the id is already taken.
var ErrSessionExists = errors.New("session already exists")

// ErrArchiveNotFound is returned when no end-of-session snapshot was kept.
var ErrArchiveNotFound = errors.New("archived session not found")

// ErrSecretNotFound is returned when a runner id has no secret binding.
var ErrSecretNotFound = errors.New("runner secret not bound")

// Directory is the session store: one durable record per session plus the
// runner id↔secret bindings and the end-of-session archive. Two backends
// implement it: an in-process map (lost on restart) and SQLite (survives
// restarts). Selected at startup; handlers never know which one they have.
type Directory interface {
	// Create inserts a new session record. ErrSessionExists if taken.
	Create(ctx context.Context, sess *Session) error

	// Get returns a copy of the record, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies fn to the record under the store's write lock and
	// persists the result. fn returning an error aborts the update.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)

	// Delete removes the record. Deleting an absent session is a no-op.
	Delete(ctx context.Context, id string) error

	// List returns copies of every session record.
	List(ctx context.Context) ([]*Session, error)

	// NextSeq atomically increments and returns the session's sequence
	// counter. The first call for a session returns 1.
	NextSeq(ctx context.Context, id string) (int64, error)

	// BindRunnerSecret stores the secret hash for a persistent runner id.
	// Binding an already-bound id overwrites only if the hash is equal;
	// the caller checks RunnerSecretHash first.
	BindRunnerSecret(ctx context.Context, runnerID, secretHash string) error

	// RunnerSecretHash returns the bound hash, or ErrSecretNotFound.
	RunnerSecretHash(ctx context.Context, runnerID string) (string, error)

	// Archive persists the final snapshot of an ended session so late
	// viewers can replay it.
	Archive(ctx context.Context, sess *Session, reason string) error

	// LoadArchive returns the end-of-session snapshot, or ErrArchiveNotFound.
	LoadArchive(ctx context.Context, id string) (*ArchivedSession, error)

	Close() error
}
