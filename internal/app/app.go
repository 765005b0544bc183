// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the relay server together: config, store backend,
// relay service, runner manager, API server, and the sweeper loops.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wingedpig/beacon/internal/api"
	"github.com/wingedpig/beacon/internal/api/handlers"
	"github.com/wingedpig/beacon/internal/config"
	"github.com/wingedpig/beacon/internal/relay"
	"github.com/wingedpig/beacon/internal/runner"
)

// App is the main application container.
type App struct {
	mu sync.RWMutex

	configPath string
	version    string
	config     *config.Config

	directory relay.Directory
	cache     *relay.EventCache
	relay     *relay.Service
	runners   *runner.Manager
	apiServer *api.Server

	sweepStop chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// Options holds configuration options for the app.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Version    string
}

// New creates a new App instance.
func New(opts Options) (*App, error) {
	app := &App{
		configPath: opts.ConfigPath,
		version:    opts.Version,
		sweepStop:  make(chan struct{}),
		done:       make(chan struct{}),
	}

	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.config = cfg

	// Override host/port if specified
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}

	return app, nil
}

// Initialize builds the components in dependency order.
func (app *App) Initialize(ctx context.Context) error {
	cfg := app.config

	switch cfg.Store.Backend {
	case "sqlite":
		dir, err := relay.OpenSQLiteDirectory(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		app.directory = dir
		log.Printf("Session store: sqlite (%s)", cfg.Store.Path)
	case "memory", "":
		app.directory = relay.NewMemoryDirectory()
		log.Printf("Session store: memory")
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	app.cache = relay.NewEventCache(relay.EventCacheConfig{
		MaxEvents:    cfg.Relay.Cache.MaxEvents,
		MaxAge:       config.ParseDuration(cfg.Relay.Cache.MaxAge, 24*time.Hour),
		EphemeralAge: config.ParseDuration(cfg.Relay.Cache.EphemeralAge, time.Hour),
	})

	app.relay = relay.NewService(app.directory, app.cache, relay.NewRegistry(), relay.NewHub(), relay.ServiceConfig{
		EphemeralTTL: config.ParseDuration(cfg.Relay.EphemeralTTL, 24*time.Hour),
		OrphanAfter:  config.ParseDuration(cfg.Relay.OrphanAfter, 5*time.Minute),
		ShareBaseURL: cfg.Relay.ShareBaseURL,
	})

	app.runners = runner.NewManager(app.directory, app.relay, runner.Config{
		CommandTimeout: config.ParseDuration(cfg.Runner.CommandTimeout, 10*time.Second),
		PendingTimeout: config.ParseDuration(cfg.Terminal.PendingTimeout, time.Minute),
		ExitGrace:      config.ParseDuration(cfg.Terminal.ExitGrace, 30*time.Second),
		DetachGrace:    config.ParseDuration(cfg.Terminal.DetachGrace, 5*time.Minute),
	})

	app.apiServer = api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, api.Dependencies{
		Relay:   app.relay,
		Runners: app.runners,
		Auth:    handlers.NewStaticKeyAuth(cfg.Auth.OwnerKeys, cfg.Auth.ViewerKeys),
	})

	return nil
}

// Start launches the API server and the sweeper loop.
func (app *App) Start(ctx context.Context) error {
	go app.sweepLoop()

	go func() {
		log.Printf("Starting API server on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()

	return nil
}

// sweepLoop periodically ends expired and orphaned sessions and prunes
// the event cache.
func (app *App) sweepLoop() {
	interval := config.ParseDuration(app.config.Relay.SweepInterval, 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			app.relay.SweepExpired(ctx, now)
			app.relay.SweepOrphaned(ctx, now)
			app.cache.Prune(now)
			cancel()
		case <-app.sweepStop:
			return
		}
	}
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(ctx); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	case <-app.done:
		log.Printf("Shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	close(app.sweepStop)

	// Stop the API server first to stop accepting new connections
	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}

	if app.directory != nil {
		if err := app.directory.Close(); err != nil {
			log.Printf("Error closing session store: %v", err)
		}
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
