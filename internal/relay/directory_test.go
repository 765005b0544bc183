// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both backends satisfy the same contract; the suite runs against each.
func directoryBackends(t *testing.T) map[string]Directory {
	t.Helper()
	sqlDir, err := OpenSQLiteDirectory(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	backends := map[string]Directory{
		"memory": NewMemoryDirectory(),
		"sqlite": sqlDir,
	}
	t.Cleanup(func() {
		for _, d := range backends {
			d.Close()
		}
	})
	return backends
}

func testSession(id string) *Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Session{
		ID:             id,
		Token:          "tok-" + id,
		Cwd:            "/work",
		OwnerUserID:    "u1",
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestDirectoryCreateGet(t *testing.T) {
	for name, dir := range directoryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, dir.Create(ctx, testSession("s1")))
			assert.ErrorIs(t, dir.Create(ctx, testSession("s1")), ErrSessionExists)

			got, err := dir.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "tok-s1", got.Token)
			assert.Equal(t, "u1", got.OwnerUserID)

			_, err = dir.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestDirectoryUpdate(t *testing.T) {
	for name, dir := range directoryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, dir.Create(ctx, testSession("s1")))

			updated, err := dir.Update(ctx, "s1", func(rec *Session) error {
				rec.SessionName = "renamed"
				rec.CollabMode = true
				rec.LastState = map[string]interface{}{"type": "session_active"}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, "renamed", updated.SessionName)

			got, err := dir.Get(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, got.CollabMode)
			assert.Equal(t, "session_active", payloadType(got.LastState))

			// fn error aborts the update.
			_, err = dir.Update(ctx, "s1", func(rec *Session) error {
				rec.SessionName = "should-not-persist"
				return assert.AnError
			})
			assert.Error(t, err)
			got, err = dir.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.SessionName)

			_, err = dir.Update(ctx, "missing", func(rec *Session) error { return nil })
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestDirectoryDeleteAndList(t *testing.T) {
	for name, dir := range directoryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, dir.Create(ctx, testSession("s1")))
			require.NoError(t, dir.Create(ctx, testSession("s2")))

			list, err := dir.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)

			require.NoError(t, dir.Delete(ctx, "s1"))
			require.NoError(t, dir.Delete(ctx, "s1"), "deleting an absent session is a no-op")

			list, err = dir.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "s2", list[0].ID)
		})
	}
}

func TestDirectoryNextSeq(t *testing.T) {
	for name, dir := range directoryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, dir.Create(ctx, testSession("s1")))

			for want := int64(1); want <= 5; want++ {
				seq, err := dir.NextSeq(ctx, "s1")
				require.NoError(t, err)
				assert.Equal(t, want, seq)
			}

			got, err := dir.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, int64(5), got.Seq)

			_, err = dir.NextSeq(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestDirectoryRunnerSecrets(t *testing.T) {
	for name, dir := range directoryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := dir.RunnerSecretHash(ctx, "r1")
			assert.ErrorIs(t, err, ErrSecretNotFound)

			require.NoError(t, dir.BindRunnerSecret(ctx, "r1", "hash-a"))
			hash, err := dir.RunnerSecretHash(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "hash-a", hash)
		})
	}
}

func TestDirectoryArchive(t *testing.T) {
	for name, dir := range directoryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := testSession("s1")
			sess.SessionName = "archived-demo"
			sess.LastState = map[string]interface{}{"type": "session_active", "x": float64(1)}

			require.NoError(t, dir.Archive(ctx, sess, ReasonEnded))

			arch, err := dir.LoadArchive(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "archived-demo", arch.SessionName)
			assert.Equal(t, ReasonEnded, arch.Reason)
			assert.Equal(t, float64(1), arch.State["x"])

			_, err = dir.LoadArchive(ctx, "missing")
			assert.ErrorIs(t, err, ErrArchiveNotFound)
		})
	}
}

func TestSQLiteDirectorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	dir, err := OpenSQLiteDirectory(ctx, path)
	require.NoError(t, err)
	require.NoError(t, dir.Create(ctx, testSession("s1")))
	_, err = dir.NextSeq(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, dir.BindRunnerSecret(ctx, "r1", "hash-a"))
	require.NoError(t, dir.Close())

	dir, err = OpenSQLiteDirectory(ctx, path)
	require.NoError(t, err)
	defer dir.Close()

	got, err := dir.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Seq)

	hash, err := dir.RunnerSecretHash(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", hash)
}
