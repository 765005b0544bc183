// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/beacon/internal/relay"
	"github.com/wingedpig/beacon/internal/runner"
)

// SessionSummary is the REST view of a live session. The token never
// leaves the owner connection it was issued on.
type SessionSummary struct {
	ID             string    `json:"id"`
	SessionName    string    `json:"sessionName,omitempty"`
	Active         bool      `json:"active"`
	Model          string    `json:"model,omitempty"`
	Ephemeral      bool      `json:"ephemeral"`
	CollabMode     bool      `json:"collabMode"`
	RunnerID       string    `json:"runnerId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SessionHandler serves the session REST endpoints.
type SessionHandler struct {
	svc  *relay.Service
	auth Authenticator
}

// NewSessionHandler creates the session handler.
func NewSessionHandler(svc *relay.Service, auth Authenticator) *SessionHandler {
	return &SessionHandler{svc: svc, auth: auth}
}

// List returns the caller's live sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Viewer(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}

	sessions, err := h.svc.Sessions(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
		return
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if sess.OwnerUserID != ident.UserID {
			continue
		}
		out = append(out, SessionSummary{
			ID:             sess.ID,
			SessionName:    sess.SessionName,
			Active:         sess.Active,
			Model:          sess.Model,
			Ephemeral:      sess.Ephemeral,
			CollabMode:     sess.CollabMode,
			RunnerID:       sess.RunnerID,
			CreatedAt:      sess.CreatedAt,
			LastActivityAt: sess.LastActivityAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// RunnerRESTHandler serves the runner REST endpoints.
type RunnerRESTHandler struct {
	mgr  *runner.Manager
	auth Authenticator
}

// NewRunnerRESTHandler creates the runner REST handler.
func NewRunnerRESTHandler(mgr *runner.Manager, auth Authenticator) *RunnerRESTHandler {
	return &RunnerRESTHandler{mgr: mgr, auth: auth}
}

// List returns the caller's registered runners.
func (h *RunnerRESTHandler) List(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Owner(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"runners": h.mgr.Runners(ident.UserID)})
}

// Skills returns a runner's advertised skills.
func (h *RunnerRESTHandler) Skills(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Owner(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}
	rec, err := h.mgr.Runner(mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}
	if rec.OwnerUserID != ident.UserID {
		WriteError(w, http.StatusForbidden, ErrForbidden, "runner owned by another user")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"skills": rec.Skills})
}

// CreateTerminal accepts a terminal spawn request. The PTY itself is not
// started yet; spawn is deferred until the first viewer resize.
func (h *RunnerRESTHandler) CreateTerminal(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Owner(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}

	var opts runner.SpawnOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	info, err := h.mgr.CreateTerminal(ident, mux.Vars(r)["id"], opts)
	switch {
	case errors.Is(err, runner.ErrRunnerNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
	case errors.Is(err, runner.ErrNotAuthorized):
		WriteError(w, http.StatusForbidden, ErrForbidden, err.Error())
	case errors.Is(err, runner.ErrRootNotAllowed):
		WriteError(w, http.StatusBadRequest, ErrBadRequest, err.Error())
	case err != nil:
		WriteError(w, http.StatusInternalServerError, ErrTerminalError, err.Error())
	default:
		WriteJSON(w, http.StatusCreated, info)
	}
}

// Command runs a request/response round-trip against a runner (file and
// git queries, skill invocations). A timeout surfaces as a 504.
func (h *RunnerRESTHandler) Command(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.Owner(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, ErrUnauthorized, err.Error())
		return
	}
	runnerID := mux.Vars(r)["id"]

	rec, err := h.mgr.Runner(runnerID)
	if err != nil {
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}
	if rec.OwnerUserID != ident.UserID {
		WriteError(w, http.StatusForbidden, ErrForbidden, "runner owned by another user")
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, ErrBadRequest, "invalid request body")
		return
	}

	resp, err := h.mgr.Command(r.Context(), runnerID, payload)
	switch {
	case errors.Is(err, runner.ErrCommandTimeout):
		WriteError(w, http.StatusGatewayTimeout, ErrTimeout, err.Error())
	case errors.Is(err, runner.ErrRunnerNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
	case err != nil:
		WriteError(w, http.StatusInternalServerError, ErrRunnerError, err.Error())
	default:
		WriteJSON(w, http.StatusOK, resp)
	}
}
