// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/beacon/internal/relay"
)

func newTerminalFixture(t *testing.T, cfg Config) (*Manager, *testConn, string) {
	t.Helper()
	m, _ := newTestManager(t, cfg)
	runnerConn := &testConn{}
	res := registerRunner(t, m, runnerConn, RegisterOptions{RunnerID: "r1", Secret: "s", Roots: []string{"/srv"}})
	return m, runnerConn, res.RunnerID
}

func TestCreateTerminalAuthorization(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{})

	_, err := m.CreateTerminal(relay.Identity{UserID: "intruder"}, runnerID, SpawnOptions{Cwd: "/srv/app"})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/etc"})
	assert.ErrorIs(t, err, ErrRootNotAllowed)

	_, err = m.CreateTerminal(alice(), "missing", SpawnOptions{})
	assert.ErrorIs(t, err, ErrRunnerNotFound)

	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)
	assert.False(t, info.Spawned)
	assert.False(t, info.Exited)
}

func TestDeferredSpawnUsesViewerDimensions(t *testing.T) {
	m, runnerConn, runnerID := newTerminalFixture(t, Config{})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app", Cols: 80, Rows: 24})
	require.NoError(t, err)

	// Creation alone sends nothing to the runner.
	assert.Empty(t, runnerConn.messages())

	viewer := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info.ID, viewer))
	assert.Empty(t, runnerConn.messages(), "attach without resize must not spawn")

	require.NoError(t, m.Resize(info.ID, 120, 40))
	msgs := runnerConn.messages()
	require.Len(t, msgs, 1)
	spawn := msgs[0].(SpawnMessage)
	assert.Equal(t, 120, spawn.Cols)
	assert.Equal(t, 40, spawn.Rows)
	assert.Equal(t, "/srv/app", spawn.Cwd)

	// Subsequent resizes forward instead of re-spawning.
	require.NoError(t, m.Resize(info.ID, 100, 30))
	msgs = runnerConn.messages()
	require.Len(t, msgs, 2)
	resize := msgs[1].(ResizeMessage)
	assert.Equal(t, 100, resize.Cols)
}

func TestDeferredSpawnFallsBackToDefaults(t *testing.T) {
	m, runnerConn, runnerID := newTerminalFixture(t, Config{})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app", Cols: 80, Rows: 24})
	require.NoError(t, err)

	// A resize with no dimensions spawns with the saved defaults.
	require.NoError(t, m.Resize(info.ID, 0, 0))
	msgs := runnerConn.messages()
	require.Len(t, msgs, 1)
	spawn := msgs[0].(SpawnMessage)
	assert.Equal(t, 80, spawn.Cols)
	assert.Equal(t, 24, spawn.Rows)
}

func TestOutputBufferedAndReplayedOnce(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	require.NoError(t, m.Output(info.ID, "one"))
	require.NoError(t, m.Output(info.ID, "two"))
	require.NoError(t, m.Output(info.ID, "three"))

	viewer := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info.ID, viewer))

	var data []string
	for _, msg := range viewer.messages() {
		data = append(data, msg.(OutputMessage).Data)
	}
	assert.Equal(t, []string{"one", "two", "three"}, data, "buffered output replays in order")

	// A second attach gets nothing: the buffer drains exactly once.
	late := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info.ID, late))
	assert.Empty(t, late.messages())

	// Live output goes to every attached viewer and is not re-buffered.
	require.NoError(t, m.Output(info.ID, "four"))
	assert.Len(t, viewer.messages(), 4)
	assert.Len(t, late.messages(), 1)
}

// stallingConn runs a hook during its first Send and then stalls,
// giving any concurrent writer a window to race the replay.
type stallingConn struct {
	testConn
	once sync.Once
	hook func()
}

func (c *stallingConn) Send(v interface{}) error {
	c.once.Do(func() {
		go c.hook()
		time.Sleep(50 * time.Millisecond)
	})
	return c.testConn.Send(v)
}

func TestOutputDuringReplayLandsAfterBacklog(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	require.NoError(t, m.Output(info.ID, "old1"))
	require.NoError(t, m.Output(info.ID, "old2"))

	// Fresh output arrives while the backlog replay is mid-flight; it must
	// queue behind the replay, not jump ahead of it.
	done := make(chan struct{})
	viewer := &stallingConn{}
	viewer.hook = func() {
		m.Output(info.ID, "new")
		close(done)
	}
	require.NoError(t, m.AttachViewer(alice(), info.ID, viewer))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent output never delivered")
	}

	var data []string
	for _, msg := range viewer.messages() {
		data = append(data, msg.(OutputMessage).Data)
	}
	assert.Equal(t, []string{"old1", "old2", "new"}, data)
}

// failingConn rejects the first n sends and records the rest.
type failingConn struct {
	testConn
	failMu   sync.Mutex
	failures int
}

func (c *failingConn) Send(v interface{}) error {
	c.failMu.Lock()
	if c.failures > 0 {
		c.failures--
		c.failMu.Unlock()
		return errors.New("write: broken pipe")
	}
	c.failMu.Unlock()
	return c.testConn.Send(v)
}

func TestFailedSpawnLeavesTerminalPending(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	runnerConn := &failingConn{failures: 1}
	res := registerRunner(t, m, runnerConn, RegisterOptions{RunnerID: "r1", Secret: "s", Roots: []string{"/srv"}})

	info, err := m.CreateTerminal(alice(), res.RunnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	// The spawn send fails; the terminal must stay pending so the next
	// resize retries instead of forwarding to a PTY that never started.
	require.Error(t, m.Resize(info.ID, 80, 24))
	got, err := m.Terminal(alice(), info.ID)
	require.NoError(t, err)
	assert.False(t, got.Spawned)

	require.NoError(t, m.Resize(info.ID, 80, 24))
	msgs := runnerConn.messages()
	require.Len(t, msgs, 1)
	assert.IsType(t, SpawnMessage{}, msgs[0])
	got, err = m.Terminal(alice(), info.ID)
	require.NoError(t, err)
	assert.True(t, got.Spawned)
}

func TestAttachOwnershipCheck(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	err = m.AttachViewer(relay.Identity{UserID: "intruder"}, info.ID, &testConn{})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	err = m.AttachViewer(alice(), "missing", &testConn{})
	assert.ErrorIs(t, err, ErrTerminalNotFound)
}

func TestExitDeliveredOrBuffered(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{ExitGrace: time.Hour})

	// No viewer: the exit notice joins the buffer for a late attach.
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)
	require.NoError(t, m.Output(info.ID, "tail"))
	require.NoError(t, m.Exited(info.ID, 2))

	late := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info.ID, late))
	msgs := late.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "tail", msgs[0].(OutputMessage).Data)
	assert.Equal(t, 2, msgs[1].(ExitedMessage).ExitCode)

	// Attached viewer: the notice is delivered immediately.
	info2, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)
	viewer := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info2.ID, viewer))
	require.NoError(t, m.Exited(info2.ID, 0))
	msgs = viewer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, 0, msgs[0].(ExitedMessage).ExitCode)
}

func TestPendingTerminalGarbageCollected(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{PendingTimeout: 15 * time.Millisecond})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.Terminal(alice(), info.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond, "unattached pending terminal is collected")
}

func TestAttachCancelsPendingGC(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{PendingTimeout: 15 * time.Millisecond})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	require.NoError(t, m.AttachViewer(alice(), info.ID, &testConn{}))
	time.Sleep(50 * time.Millisecond)
	_, err = m.Terminal(alice(), info.ID)
	assert.NoError(t, err, "attached terminal must not be collected by the pending timer")
}

func TestDetachStartsGraceTimer(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{PendingTimeout: time.Hour, DetachGrace: 15 * time.Millisecond})
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	viewer := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info.ID, viewer))
	require.NoError(t, m.Resize(info.ID, 80, 24))
	m.DetachViewer(info.ID, viewer)

	require.Eventually(t, func() bool {
		_, err := m.Terminal(alice(), info.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestRunnerDisconnectExitsTerminals(t *testing.T) {
	m, _, runnerID := newTerminalFixture(t, Config{ExitGrace: time.Hour})
	runnerConn := m.reg.Runner(runnerID)
	info, err := m.CreateTerminal(alice(), runnerID, SpawnOptions{Cwd: "/srv/app"})
	require.NoError(t, err)

	viewer := &testConn{}
	require.NoError(t, m.AttachViewer(alice(), info.ID, viewer))

	m.Deregister(runnerID, runnerConn)

	msgs := viewer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, -1, msgs[0].(ExitedMessage).ExitCode)

	got, err := m.Terminal(alice(), info.ID)
	require.NoError(t, err)
	assert.True(t, got.Exited)
}
