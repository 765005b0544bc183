// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api wires the relay's HTTP and WebSocket endpoints.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/beacon/internal/api/handlers"
	"github.com/wingedpig/beacon/internal/api/middleware"
	"github.com/wingedpig/beacon/internal/relay"
	"github.com/wingedpig/beacon/internal/runner"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	TLSCert string // Path to TLS certificate file
	TLSKey  string // Path to TLS private key file
}

// Dependencies holds all dependencies for API handlers.
type Dependencies struct {
	Relay   *relay.Service
	Runners *runner.Manager
	Auth    handlers.Authenticator
}

// NewRouter creates the API router.
func NewRouter(deps Dependencies, tracker *handlers.Tracker) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Persistent connection endpoints
	ownerHandler := handlers.NewOwnerHandler(deps.Relay, deps.Auth, tracker)
	api.HandleFunc("/owner/ws", ownerHandler.WebSocket).Methods("GET")

	viewerHandler := handlers.NewViewerHandler(deps.Relay, deps.Auth, tracker)
	api.HandleFunc("/viewer/ws", viewerHandler.WebSocket).Methods("GET")

	runnerHandler := handlers.NewRunnerHandler(deps.Runners, deps.Auth, tracker)
	api.HandleFunc("/runner/ws", runnerHandler.WebSocket).Methods("GET")

	hubHandler := handlers.NewHubHandler(deps.Relay.Hub(), deps.Auth, tracker)
	api.HandleFunc("/hub/ws", hubHandler.WebSocket).Methods("GET")

	terminalHandler := handlers.NewTerminalHandler(deps.Runners, deps.Auth, tracker)
	api.HandleFunc("/terminals/{id}/ws", terminalHandler.WebSocket).Methods("GET")

	// REST endpoints
	sessionHandler := handlers.NewSessionHandler(deps.Relay, deps.Auth)
	api.HandleFunc("/sessions", sessionHandler.List).Methods("GET")

	runnerREST := handlers.NewRunnerRESTHandler(deps.Runners, deps.Auth)
	api.HandleFunc("/runners", runnerREST.List).Methods("GET")
	api.HandleFunc("/runners/{id}/skills", runnerREST.Skills).Methods("GET")
	api.HandleFunc("/runners/{id}/terminals", runnerREST.CreateTerminal).Methods("POST")
	api.HandleFunc("/runners/{id}/command", runnerREST.Command).Methods("POST")

	// Debug/profiling endpoints
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// Server represents the API server.
type Server struct {
	router  *mux.Router
	cfg     ServerConfig
	server  *http.Server
	tracker *handlers.Tracker
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	tracker := handlers.NewTracker()
	return &Server{
		router:  NewRouter(deps, tracker),
		cfg:     cfg,
		tracker: tracker,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server.
// If TLS is configured (tls_cert and tls_key), uses HTTPS.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}

	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("API server listening on https://%s (TLS enabled)", addr)
		return s.server.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Open WebSocket connections
// are closed first; http.Server.Shutdown alone would wait on them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.tracker.CloseAll()

	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
