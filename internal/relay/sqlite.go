// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDirectory is the durable Directory backend. Session records,
// runner secret bindings, and the end-of-session archive survive server
// restarts; on startup the orphan sweeper reclaims records whose owner
// connections died with the previous process.
type SQLiteDirectory struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runner_secrets (
	runner_id   TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_archive (
	session_id   TEXT PRIMARY KEY,
	session_name TEXT,
	reason       TEXT NOT NULL,
	state        TEXT,
	ended_at     INTEGER NOT NULL
);
`

// OpenSQLiteDirectory opens (creating if needed) the SQLite-backed
// directory at path.
func OpenSQLiteDirectory(ctx context.Context, path string) (*SQLiteDirectory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

func encodeSession(sess *Session) (string, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(data), nil
}

func decodeSession(data string, seq int64) (*Session, error) {
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	// The seq column is authoritative; the blob copy can lag behind
	// NextSeq, which touches only the column.
	sess.Seq = seq
	return &sess, nil
}

// Create inserts a new session record.
func (d *SQLiteDirectory) Create(ctx context.Context, sess *Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, seq, data, updated_at) VALUES (?, ?, ?, ?)
`, sess.ID, sess.Seq, data, time.Now().UnixMilli())
	if err != nil {
		// Single-column primary key; any constraint error here is a
		// duplicate id.
		if isConstraintError(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func isConstraintError(err error) bool {
	// modernc.org/sqlite reports SQLITE_CONSTRAINT in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// Get returns the session record.
func (d *SQLiteDirectory) Get(ctx context.Context, id string) (*Session, error) {
	var (
		data string
		seq  int64
	)
	err := d.db.QueryRowContext(ctx, `
SELECT data, seq FROM sessions WHERE session_id = ?
`, id).Scan(&data, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return decodeSession(data, seq)
}

// Update applies fn inside a transaction.
func (d *SQLiteDirectory) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		data string
		seq  int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT data, seq FROM sessions WHERE session_id = ?
`, id).Scan(&data, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	sess, err := decodeSession(data, seq)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}

	encoded, err := encodeSession(sess)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET data = ?, seq = ?, updated_at = ? WHERE session_id = ?
`, encoded, sess.Seq, time.Now().UnixMilli(), id); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess, nil
}

// Delete removes the record; absent ids are a no-op.
func (d *SQLiteDirectory) Delete(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns every session record.
func (d *SQLiteDirectory) List(ctx context.Context) ([]*Session, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT data, seq FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			data string
			seq  int64
		)
		if err := rows.Scan(&data, &seq); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(data, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// NextSeq atomically increments and returns the sequence counter.
func (d *SQLiteDirectory) NextSeq(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := d.db.QueryRowContext(ctx, `
UPDATE sessions SET seq = seq + 1, updated_at = ? WHERE session_id = ? RETURNING seq
`, time.Now().UnixMilli(), id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment seq: %w", err)
	}
	return seq, nil
}

// BindRunnerSecret stores the secret hash for a persistent runner id.
func (d *SQLiteDirectory) BindRunnerSecret(ctx context.Context, runnerID, secretHash string) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO runner_secrets(runner_id, secret_hash, created_at) VALUES (?, ?, ?)
ON CONFLICT(runner_id) DO UPDATE SET secret_hash = excluded.secret_hash
`, runnerID, secretHash, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("bind runner secret: %w", err)
	}
	return nil
}

// RunnerSecretHash returns the bound hash.
func (d *SQLiteDirectory) RunnerSecretHash(ctx context.Context, runnerID string) (string, error) {
	var hash string
	err := d.db.QueryRowContext(ctx, `
SELECT secret_hash FROM runner_secrets WHERE runner_id = ?
`, runnerID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select runner secret: %w", err)
	}
	return hash, nil
}

// Archive persists the final snapshot of an ended session.
func (d *SQLiteDirectory) Archive(ctx context.Context, sess *Session, reason string) error {
	var state []byte
	if sess.LastState != nil {
		var err error
		state, err = json.Marshal(sess.LastState)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
	}
	_, err := d.db.ExecContext(ctx, `
INSERT INTO session_archive(session_id, session_name, reason, state, ended_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	session_name = excluded.session_name,
	reason = excluded.reason,
	state = excluded.state,
	ended_at = excluded.ended_at
`, sess.ID, sess.SessionName, reason, nullableString(state), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// LoadArchive returns the end-of-session snapshot.
func (d *SQLiteDirectory) LoadArchive(ctx context.Context, id string) (*ArchivedSession, error) {
	var (
		name    sql.NullString
		reason  string
		state   sql.NullString
		endedAt int64
	)
	err := d.db.QueryRowContext(ctx, `
SELECT session_name, reason, state, ended_at FROM session_archive WHERE session_id = ?
`, id).Scan(&name, &reason, &state, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select archive: %w", err)
	}

	arch := &ArchivedSession{
		SessionID:   id,
		SessionName: name.String,
		Reason:      reason,
		EndedAt:     time.UnixMilli(endedAt),
	}
	if state.Valid && state.String != "" {
		if err := json.Unmarshal([]byte(state.String), &arch.State); err != nil {
			return nil, fmt.Errorf("decode archived state: %w", err)
		}
	}
	return arch, nil
}

// Close closes the database.
func (d *SQLiteDirectory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
