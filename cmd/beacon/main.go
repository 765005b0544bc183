// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/wingedpig/beacon/internal/app"
	"github.com/wingedpig/beacon/internal/config"
)

var (
	version = "0.9"
)

func main() {
	// Check for subcommands before flag parsing
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Parse flags
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "HTTP server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("beacon %s\n", version)
		os.Exit(0)
	}

	// Find config file if not specified
	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}

	log.Printf("Using config: %s", configPath)

	// Create and run app
	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       host,
		Port:       port,
		Version:    version,
	})
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	ctx := context.Background()
	if err := application.Run(ctx); err != nil {
		log.Fatalf("App error: %v", err)
	}
}

// runInit handles the "beacon init" command
func runInit() error {
	configFile := "beacon.hjson"

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first or use a different directory", configFile)
	}

	if err := os.WriteFile(configFile, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Set your owner and viewer keys in the auth section")
	fmt.Println("  2. Run: ./beacon")
	fmt.Println("  3. Point owner processes at ws://localhost:4090/api/v1/owner/ws")
	return nil
}

const configTemplate = `{
  // =============================================================================
  // Beacon Configuration
  // =============================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax).

  server: {
    // Host to bind to (use "0.0.0.0" to allow remote access)
    host: "127.0.0.1"

    // Port for the relay API
    port: 4090

    // For HTTPS, uncomment and set paths to your certificates:
    // tls_cert: "~/.beacon/cert.pem"
    // tls_key: "~/.beacon/key.pem"
  }

  // Session store. "memory" keeps everything in-process; "sqlite" survives
  // restarts (sequence counters and runner identities included).
  store: {
    backend: "memory"
    // backend: "sqlite"
    // path: "beacon.db"
  }

  relay: {
    // Ephemeral sessions expire this long after creation
    ephemeral_ttl: "24h"

    // Sessions with no live owner connection are ended after this
    orphan_after: "5m"

    // How often the expiry/orphan sweeps run
    sweep_interval: "30s"

    // Base URL used to build viewer share links
    share_base_url: "http://127.0.0.1:4090"

    // Recent-event cache used for viewer snapshots
    cache: {
      max_events: 200
      max_age: "24h"
      ephemeral_age: "1h"
    }
  }

  terminal: {
    // Unspawned terminal with no viewer is dropped after this
    pending_timeout: "1m"

    // Exited terminal kept around for late viewers
    exit_grace: "30s"

    // Running terminal kept after the last viewer detaches
    detach_grace: "5m"
  }

  runner: {
    // Command round-trips that get no response fail after this
    command_timeout: "10s"
  }

  // Static API keys. Each entry is "user:secret"; a bare secret maps to
  // the "default" user. Viewer keys fall back to owner keys when empty.
  auth: {
    owner_keys: [
      // "alice:change-me"
    ]
    viewer_keys: [
      // "alice:viewer-change-me"
    ]
  }
}
`
