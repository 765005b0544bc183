// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrTokenMismatch rejects an owner-originated message carrying the wrong
// session token. The message is refused; the connection stays open.
var ErrTokenMismatch = errors.New("session token mismatch")

// ErrTargetNotLive is returned when an inter-session message has no live
// owner to deliver to.
var ErrTargetNotLive = errors.New("target session not live")

// ErrSessionEnded signals that a viewer join was served from the archive
// replay path; the handler should close softly so the client can keep
// auto-reconnecting.
var ErrSessionEnded = errors.New("session ended")

// ServiceConfig holds the relay service tunables. All of them are
// operational tuning exposed through the config file, not semantic
// constants.
type ServiceConfig struct {
	EphemeralTTL time.Duration // activity-refreshed lifetime of ephemeral sessions
	OrphanAfter  time.Duration // staleness threshold for the orphan sweep
	ShareBaseURL string        // base for share URLs returned on registration
}

// CreateOptions controls session creation.
type CreateOptions struct {
	SessionID   string // explicit id for reconnect; empty means generate
	Ephemeral   bool
	CollabMode  bool
	SessionName string
}

// CreateResult is what a newly registered owner gets back.
type CreateResult struct {
	SessionID string
	Token     string
	ShareURL  string
}

type pendingLink struct {
	runnerID   string
	runnerName string
}

// Service is the relay core. It owns the viewer fan-out rooms and
// composes the directory, event cache, registry, and hub. One instance is
// constructed at process start and injected into every handler, never
// ambient global state, so tests build isolated instances.
//
// The mutex serializes publishes against viewer joins: a join sends the
// snapshot and enters the room under the same lock a publish takes, so a
// concurrent event either lands before the snapshot (and is part of it)
// or after the subscription. That ordering is the one place the relay
// needs real two-step sequencing.
type Service struct {
	mu    sync.Mutex
	dir   Directory
	cache *EventCache
	reg   *Registry
	hub   *Hub
	cfg   ServiceConfig
	now   func() time.Time

	viewers  map[string]map[Conn]struct{}
	thinking map[string]*thinkingTracker
	acks     map[string]int64
	links    map[string]pendingLink
}

// NewService creates the relay service.
func NewService(dir Directory, cache *EventCache, reg *Registry, hub *Hub, cfg ServiceConfig) *Service {
	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = 24 * time.Hour
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 5 * time.Minute
	}
	return &Service{
		dir:      dir,
		cache:    cache,
		reg:      reg,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
		viewers:  make(map[string]map[Conn]struct{}),
		thinking: make(map[string]*thinkingTracker),
		acks:     make(map[string]int64),
		links:    make(map[string]pendingLink),
	}
}

// Registry returns the per-process connection registry.
func (s *Service) Registry() *Registry { return s.reg }

// Hub returns the session-list feed.
func (s *Service) Hub() *Hub { return s.hub }

// CreateSession registers a new session for an owner connection. Calling
// it again with the same explicit id is the reconnect path: the previous
// incarnation is torn down first, never merged.
func (s *Service) CreateSession(ctx context.Context, owner Identity, conn Conn, cwd string, opts CreateOptions) (*CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	if existing, err := s.dir.Get(ctx, id); err == nil {
		log.Printf("Relay: session %s re-registered, tearing down previous incarnation", id)
		s.endSessionLocked(ctx, existing, ReasonReplaced)
	}

	now := s.now()
	sess := &Session{
		ID:             id,
		Token:          uuid.NewString(),
		Cwd:            cwd,
		OwnerUserID:    owner.UserID,
		OwnerUserName:  owner.UserName,
		SessionName:    opts.SessionName,
		Ephemeral:      opts.Ephemeral,
		CollabMode:     opts.CollabMode,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if opts.Ephemeral {
		sess.ExpiresAt = now.Add(s.cfg.EphemeralTTL)
	}
	// Registration order between runner and session is not guaranteed;
	// the runner may have announced this id already.
	if link, ok := s.links[id]; ok {
		sess.RunnerID = link.runnerID
		sess.RunnerName = link.runnerName
		delete(s.links, id)
	}

	if err := s.dir.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.reg.PutOwner(id, conn)
	s.hub.SessionAdded(sess)

	return &CreateResult{
		SessionID: id,
		Token:     sess.Token,
		ShareURL:  s.shareURL(id),
	}, nil
}

func (s *Service) shareURL(id string) string {
	base := strings.TrimSuffix(s.cfg.ShareBaseURL, "/")
	return base + "/s/" + id
}

// HandleOwnerEvent validates and ingests one owner event. It returns the
// cumulative acknowledgement to send back when the payload carried a
// client ordinal, or nil. Store side-effects depend on the payload shape:
// heartbeats update liveness, session_active replaces the state snapshot,
// everything else just refreshes activity.
func (s *Service) HandleOwnerEvent(ctx context.Context, sessionID, token string, clientSeq *int64, payload map[string]interface{}) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.dir.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Token != token {
		return nil, ErrTokenMismatch
	}

	var ack *int64
	if clientSeq != nil {
		if *clientSeq > s.acks[sessionID] {
			s.acks[sessionID] = *clientSeq
		}
		v := s.acks[sessionID]
		ack = &v
	}

	switch payloadType(payload) {
	case PayloadHeartbeat:
		if err := s.applyHeartbeatLocked(ctx, sess, payload); err != nil {
			return ack, err
		}
		// Heartbeats refresh liveness and fan out unsequenced; they do
		// not consume a sequence number.
		s.fanOutLocked(sessionID, ViewerEvent{Type: "event", Payload: payload})
		return ack, nil

	case PayloadSessionActive:
		if err := s.applyStateLocked(ctx, sess, payload); err != nil {
			return ack, err
		}

	case PayloadThinkingStart:
		if idx, ok := payloadInt(payload, "contentIndex"); ok {
			s.trackerLocked(sessionID).start(idx, s.now())
		}
		if err := s.touchLocked(ctx, sessionID); err != nil {
			return ack, err
		}

	case PayloadThinkingEnd:
		if idx, ok := payloadInt(payload, "contentIndex"); ok {
			s.trackerLocked(sessionID).end(idx, s.now())
		}
		if err := s.touchLocked(ctx, sessionID); err != nil {
			return ack, err
		}

	case PayloadMessageEnd:
		if tracker, ok := s.thinking[sessionID]; ok {
			payload = tracker.stamp(payload)
			delete(s.thinking, sessionID)
		}
		if err := s.touchLocked(ctx, sessionID); err != nil {
			return ack, err
		}

	default:
		if err := s.touchLocked(ctx, sessionID); err != nil {
			return ack, err
		}
	}

	if _, err := s.publishLocked(ctx, sess, payload); err != nil {
		return ack, err
	}
	return ack, nil
}

func (s *Service) trackerLocked(sessionID string) *thinkingTracker {
	tracker, ok := s.thinking[sessionID]
	if !ok {
		tracker = newThinkingTracker()
		s.thinking[sessionID] = tracker
	}
	return tracker
}

// applyHeartbeatLocked updates liveness fields and notifies the hub only
// when the active flag, model identity, or session name actually changed.
// Broadcasting on every heartbeat would be a storm.
func (s *Service) applyHeartbeatLocked(ctx context.Context, sess *Session, payload map[string]interface{}) error {
	active := payloadBool(payload, "active")
	model := extractModel(payload)

	var changed bool
	updated, err := s.dir.Update(ctx, sess.ID, func(rec *Session) error {
		changed = rec.Active != active || (model != "" && rec.Model != model)
		rec.Active = active
		if model != "" {
			rec.Model = model
		}
		rec.LastHeartbeatAt = s.now()
		rec.LastHeartbeat = payload
		s.refreshTTL(rec)
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.hub.SessionStatus(updated.OwnerUserID, updated.ID, updated.Active, updated.Model, updated.SessionName)
	}
	return nil
}

// applyStateLocked replaces the full-state snapshot. A session-name change
// carried in the state also notifies the hub.
func (s *Service) applyStateLocked(ctx context.Context, sess *Session, payload map[string]interface{}) error {
	name := extractSessionName(payload)

	var nameChanged bool
	updated, err := s.dir.Update(ctx, sess.ID, func(rec *Session) error {
		if name != "" && name != rec.SessionName {
			rec.SessionName = name
			nameChanged = true
		}
		rec.LastState = payload
		s.refreshTTL(rec)
		return nil
	})
	if err != nil {
		return err
	}
	if nameChanged {
		s.hub.SessionStatus(updated.OwnerUserID, updated.ID, updated.Active, updated.Model, updated.SessionName)
	}
	return nil
}

// touchLocked refreshes the ephemeral TTL without other side effects.
func (s *Service) touchLocked(ctx context.Context, sessionID string) error {
	_, err := s.dir.Update(ctx, sessionID, func(rec *Session) error {
		s.refreshTTL(rec)
		return nil
	})
	return err
}

func (s *Service) refreshTTL(rec *Session) {
	now := s.now()
	rec.LastActivityAt = now
	if rec.Ephemeral {
		rec.ExpiresAt = now.Add(s.cfg.EphemeralTTL)
	}
}

// publishLocked is the single serialization point: increment seq, append
// to the cache, fan out. Viewers observe seq values in publish order.
func (s *Service) publishLocked(ctx context.Context, sess *Session, payload map[string]interface{}) (int64, error) {
	seq, err := s.dir.NextSeq(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	s.cache.Append(sess.ID, payload, sess.Ephemeral)
	s.fanOutLocked(sess.ID, ViewerEvent{Type: "event", Seq: &seq, Payload: payload})
	return seq, nil
}

func (s *Service) fanOutLocked(sessionID string, msg ViewerEvent) {
	for conn := range s.viewers[sessionID] {
		if err := conn.Send(msg); err != nil {
			log.Printf("Relay: viewer send failed for %s: %v", sessionID, err)
		}
	}
}

// AttachViewer joins a viewer to a session. The ordering is load-bearing:
// connected ack, latest heartbeat, latest state snapshot, and only then
// the live room; a delta must never race ahead of the snapshot.
func (s *Service) AttachViewer(ctx context.Context, sessionID string, conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.dir.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return s.replayArchiveLocked(ctx, sessionID, conn)
	}
	if err != nil {
		return err
	}

	// A viewer join counts as activity for ephemeral expiry.
	if err := s.touchLocked(ctx, sessionID); err != nil {
		return err
	}

	if err := conn.Send(ViewerConnected{
		Type:        "connected",
		SessionID:   sessionID,
		LastSeq:     sess.Seq,
		Active:      sess.Active,
		SessionName: sess.SessionName,
		CollabMode:  sess.CollabMode,
	}); err != nil {
		return err
	}
	s.sendSnapshotLocked(sess, conn)

	room, ok := s.viewers[sessionID]
	if !ok {
		room = make(map[Conn]struct{})
		s.viewers[sessionID] = room
	}
	room[conn] = struct{}{}
	return nil
}

// sendSnapshotLocked replays the latest heartbeat and state snapshot. When
// the directory has no state (owner momentarily offline before its first
// session_active landed), the event cache's newest full snapshot fills in.
func (s *Service) sendSnapshotLocked(sess *Session, conn Conn) {
	if sess.LastHeartbeat != nil {
		conn.Send(ViewerEvent{Type: "event", Replay: true, Payload: sess.LastHeartbeat})
	}
	state := sess.LastState
	if state == nil {
		state, _ = s.cache.Snapshot(sess.ID)
	}
	if state != nil {
		msg := ViewerEvent{Type: "event", Replay: true, Payload: state}
		if sess.Seq > 0 {
			seq := sess.Seq
			msg.Seq = &seq
		}
		conn.Send(msg)
	}
}

// replayArchiveLocked serves a viewer whose session no longer exists from
// the persisted end-of-session snapshot: a replay-only connected marker,
// one synthetic state event, a disconnected notice. The caller closes in
// a way that still permits client auto-reconnect.
func (s *Service) replayArchiveLocked(ctx context.Context, sessionID string, conn Conn) error {
	arch, err := s.dir.LoadArchive(ctx, sessionID)
	if err != nil {
		conn.Send(ViewerDisconnected{Type: "disconnected", Reason: "unknown session"})
		return ErrSessionEnded
	}

	conn.Send(ViewerConnected{
		Type:        "connected",
		SessionID:   sessionID,
		SessionName: arch.SessionName,
		Replay:      true,
	})
	if arch.State != nil {
		conn.Send(ViewerEvent{Type: "event", Replay: true, Payload: arch.State})
	}
	conn.Send(ViewerDisconnected{Type: "disconnected", Reason: arch.Reason})
	return ErrSessionEnded
}

// DetachViewer removes a viewer from the session's room. The session is
// owner-lifetime-bound; viewer departure has no further side effects.
func (s *Service) DetachViewer(sessionID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.viewers[sessionID]
	if !ok {
		return
	}
	delete(room, conn)
	if len(room) == 0 {
		delete(s.viewers, sessionID)
	}
}

// Resync re-sends the latest heartbeat and state snapshot at the current
// seq. Idempotent; viewers call it whenever they detect a seq gap.
func (s *Service) Resync(ctx context.Context, sessionID string, conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.dir.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.sendSnapshotLocked(sess, conn)
	return nil
}

// ForwardViewerMessage passes a viewer's input/model_set/exec payload to
// the owner's live handle when collab mode is on. When it is off the
// message is dropped without acknowledgement; acknowledging would leak
// whether collab mode is enabled.
func (s *Service) ForwardViewerMessage(ctx context.Context, sessionID string, payload map[string]interface{}) error {
	sess, err := s.dir.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.CollabMode {
		return nil
	}
	owner := s.reg.Owner(sessionID)
	if owner == nil {
		return nil
	}
	return owner.Send(payload)
}

// DeliverSessionMessage forwards an inter-session message to the target
// session's live owner. Delivery failure is a structured error back to
// the sender, never a silent drop.
func (s *Service) DeliverSessionMessage(ctx context.Context, fromSessionID, token, targetSessionID, text string) error {
	from, err := s.dir.Get(ctx, fromSessionID)
	if err != nil {
		return err
	}
	if from.Token != token {
		return ErrTokenMismatch
	}
	if _, err := s.dir.Get(ctx, targetSessionID); err != nil {
		return ErrTargetNotLive
	}
	owner := s.reg.Owner(targetSessionID)
	if owner == nil {
		return ErrTargetNotLive
	}
	return owner.Send(SessionMessage{
		Type:          "session_message",
		FromSessionID: fromSessionID,
		Text:          text,
	})
}

// EndSessionWithToken validates the token before ending. Used for the
// app-level session_end message.
func (s *Service) EndSessionWithToken(ctx context.Context, sessionID, token string) error {
	sess, err := s.dir.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Token != token {
		return ErrTokenMismatch
	}
	return s.EndSession(ctx, sessionID, ReasonEnded)
}

// EndSession tears a session down: viewers get an explicit disconnected
// notice, the record is archived then deleted, the hub learns about the
// removal. Ending an already-absent session is a no-op so the sweepers
// can race natural ends safely.
func (s *Service) EndSession(ctx context.Context, sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tracking state is cleared even when the record is already gone, so
	// a disconnect after a sweep cannot leak per-session maps.
	delete(s.thinking, sessionID)
	delete(s.acks, sessionID)

	sess, err := s.dir.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.endSessionLocked(ctx, sess, reason)
	return nil
}

func (s *Service) endSessionLocked(ctx context.Context, sess *Session, reason string) {
	for conn := range s.viewers[sess.ID] {
		conn.Send(ViewerDisconnected{Type: "disconnected", Reason: reason})
	}
	delete(s.viewers, sess.ID)
	delete(s.thinking, sess.ID)
	delete(s.acks, sess.ID)
	s.reg.DropOwner(sess.ID)

	if err := s.dir.Archive(ctx, sess, reason); err != nil {
		log.Printf("Relay: archive %s failed: %v", sess.ID, err)
	}
	if err := s.dir.Delete(ctx, sess.ID); err != nil {
		log.Printf("Relay: delete %s failed: %v", sess.ID, err)
	}
	s.cache.Drop(sess.ID)
	s.hub.SessionRemoved(sess.OwnerUserID, sess.ID)
	log.Printf("Relay: session %s ended (%s)", sess.ID, reason)
}

// OwnerClosed handles a transport-level owner disconnect: identical to an
// explicit end with a generic reason. The conn check keeps a stale
// connection's deferred cleanup from ending its replacement after a
// re-registration.
func (s *Service) OwnerClosed(ctx context.Context, sessionID string, conn Conn) {
	if sessionID == "" {
		return
	}
	if s.reg.Owner(sessionID) != conn {
		return
	}
	if err := s.EndSession(ctx, sessionID, ReasonDisconnected); err != nil {
		log.Printf("Relay: end on disconnect failed for %s: %v", sessionID, err)
	}
}

// AddPendingLink records a runner→session link announced before the
// session's own registration handshake completed. Consumed by the next
// CreateSession for that id.
func (s *Service) AddPendingLink(sessionID, runnerID, runnerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// If the session already exists, link it directly.
	if _, err := s.dir.Update(context.Background(), sessionID, func(rec *Session) error {
		rec.RunnerID = runnerID
		rec.RunnerName = runnerName
		return nil
	}); err == nil {
		return
	}
	s.links[sessionID] = pendingLink{runnerID: runnerID, runnerName: runnerName}
}

// SessionsForRunner returns the sessions the relay still holds for a
// runner, so a restarted runner can re-adopt its orphaned workers.
func (s *Service) SessionsForRunner(ctx context.Context, runnerID string) ([]*Session, error) {
	sessions, err := s.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, sess := range sessions {
		if sess.RunnerID == runnerID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Sessions lists every live session record.
func (s *Service) Sessions(ctx context.Context) ([]*Session, error) {
	return s.dir.List(ctx)
}

// SweepExpired ends every ephemeral session past its deadline. A locally
// connected owner is told first.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) {
	sessions, err := s.dir.List(ctx)
	if err != nil {
		log.Printf("Relay: expiry sweep list failed: %v", err)
		return
	}
	// Teardown writes to the store and notifies every viewer, so expired
	// sessions are ended in parallel rather than serially.
	var g errgroup.Group
	g.SetLimit(8)
	for _, sess := range sessions {
		if !sess.Ephemeral || sess.ExpiresAt.IsZero() || sess.ExpiresAt.After(now) {
			continue
		}
		sessionID := sess.ID
		g.Go(func() error {
			if owner := s.reg.Owner(sessionID); owner != nil {
				owner.Send(SessionExpired{Type: "session_expired", SessionID: sessionID})
			}
			if err := s.EndSession(ctx, sessionID, ReasonExpired); err != nil {
				log.Printf("Relay: expiry sweep end %s failed: %v", sessionID, err)
			}
			return nil
		})
	}
	g.Wait()
}

// SweepOrphaned ends sessions with no live owner handle and no activity
// past the staleness threshold. Crashed processes leave store records
// with no socket and no clean close; this is their garbage collector.
func (s *Service) SweepOrphaned(ctx context.Context, now time.Time) {
	sessions, err := s.dir.List(ctx)
	if err != nil {
		log.Printf("Relay: orphan sweep list failed: %v", err)
		return
	}
	var g errgroup.Group
	g.SetLimit(8)
	for _, sess := range sessions {
		if s.reg.Owner(sess.ID) != nil {
			continue
		}
		if now.Sub(sess.LastActivityAt) <= s.cfg.OrphanAfter {
			continue
		}
		sessionID := sess.ID
		g.Go(func() error {
			if err := s.EndSession(ctx, sessionID, ReasonOrphaned); err != nil {
				log.Printf("Relay: orphan sweep end %s failed: %v", sessionID, err)
			}
			return nil
		})
	}
	g.Wait()
}
