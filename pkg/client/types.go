// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import "time"

// Session is the REST view of a live session.
type Session struct {
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

// Skill describes a capability a runner advertises.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Runner is the REST view of a registered runner worker.
type Runner struct {
	ID          string   `json:"id"`
	OwnerUserID string   `json:"ownerUserId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Roots       []string `json:"roots,omitempty"`
	Skills      []Skill  `json:"skills,omitempty"`
	Sessions    []string `json:"sessions,omitempty"`
}

// SpawnOptions configures a terminal spawn request.
type SpawnOptions struct {
	Cwd   string `json:"cwd,omitempty"`
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
}

// Terminal describes a terminal created on a runner.
type Terminal struct {
	ID       string `json:"id"`
	RunnerID string `json:"runnerId"`
	Spawned  bool   `json:"spawned"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitCode,omitempty"`
}
