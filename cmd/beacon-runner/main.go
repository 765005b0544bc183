// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// beacon-runner is a worker agent: it registers a persistent runner
// identity with a Beacon relay, answers file and git queries, and spawns
// PTY terminals for browser viewers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wingedpig/beacon/pkg/client"
)

var (
	version = "0.9"
)

// rootsFlag collects repeated -root flags.
type rootsFlag []string

func (r *rootsFlag) String() string { return strings.Join(*r, ",") }

func (r *rootsFlag) Set(v string) error {
	abs, err := filepath.Abs(v)
	if err != nil {
		return err
	}
	*r = append(*r, abs)
	return nil
}

func main() {
	var (
		server      string
		key         string
		runnerID    string
		secret      string
		displayName string
		shell       string
		roots       rootsFlag
		showVersion bool
	)

	flag.StringVar(&server, "server", "http://127.0.0.1:4090", "Relay server URL")
	flag.StringVar(&key, "key", "", "Owner API key")
	flag.StringVar(&runnerID, "id", "", "Persistent runner id (default: relay-assigned)")
	flag.StringVar(&secret, "secret", "", "Secret authenticating the runner id")
	flag.StringVar(&displayName, "name", "", "Display name (default: hostname)")
	flag.StringVar(&shell, "shell", "", "Shell for spawned terminals (default: $SHELL)")
	flag.Var(&roots, "root", "Allowed terminal root (repeatable)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("beacon-runner %s\n", version)
		os.Exit(0)
	}

	if key == "" {
		log.Fatal("Error: -key is required")
	}
	if runnerID != "" && secret == "" {
		log.Fatal("Error: -secret is required with a persistent -id")
	}
	if displayName == "" {
		displayName, _ = os.Hostname()
	}
	if len(roots) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Error: no -root given and no home directory: %v", err)
		}
		roots = rootsFlag{home}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := client.AgentOptions{
		RunnerID:    runnerID,
		Secret:      secret,
		DisplayName: displayName,
		Roots:       roots,
		Shell:       shell,
		OnCommand:   handleCommand,
	}

	// Reconnect loop: transport failures back off and retry; only a
	// rejected registration (bad key, secret mismatch) is fatal.
	backoff := time.Second
	for {
		agent, err := client.DialAgent(ctx, server, key, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if strings.Contains(err.Error(), "registration rejected") {
				log.Fatalf("Error: %v", err)
			}
			log.Printf("Connect failed: %v (retrying in %v)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		log.Printf("Registered as runner %s (%s)", agent.RunnerID(), displayName)
		if sessions := agent.Sessions(); len(sessions) > 0 {
			log.Printf("Re-adopting %d live session(s): %s", len(sessions), strings.Join(sessions, ", "))
		}

		err = agent.Run(ctx)
		agent.Close()
		if ctx.Err() != nil {
			log.Println("Shutting down")
			return
		}
		log.Printf("Connection lost: %v (reconnecting)", err)
	}
}

// handleCommand answers relay command round-trips. Unknown commands get
// an error payload rather than silence, so callers fail fast instead of
// timing out.
func handleCommand(msg map[string]interface{}) map[string]interface{} {
	cmdType, _ := msg["type"].(string)
	cwd, _ := msg["cwd"].(string)

	switch cmdType {
	case "ping":
		return map[string]interface{}{"pong": true, "version": version}

	case "git_status":
		out, err := runGit(cwd, "status", "--porcelain=v1", "--branch")
		if err != nil {
			return map[string]interface{}{"error": err.Error()}
		}
		return map[string]interface{}{"status": out}

	case "git_log":
		out, err := runGit(cwd, "log", "--oneline", "-20")
		if err != nil {
			return map[string]interface{}{"error": err.Error()}
		}
		return map[string]interface{}{"log": out}

	case "list_files":
		entries, err := os.ReadDir(cwd)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}
		}
		files := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			files = append(files, map[string]interface{}{
				"name": e.Name(),
				"dir":  e.IsDir(),
			})
		}
		return map[string]interface{}{"files": files}

	default:
		return map[string]interface{}{"error": "unknown command: " + cmdType}
	}
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
