// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// RunnerClient provides access to the runner endpoints.
type RunnerClient struct {
	c *Client
}

// List returns the caller's registered runners.
func (r *RunnerClient) List(ctx context.Context) ([]Runner, error) {
	data, err := r.c.get(ctx, "/api/v1/runners")
	if err != nil {
		return nil, err
	}

	var result struct {
		Runners []Runner `json:"runners"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse runners: %w", err)
	}
	return result.Runners, nil
}

// Skills returns a runner's advertised skills.
func (r *RunnerClient) Skills(ctx context.Context, runnerID string) ([]Skill, error) {
	data, err := r.c.get(ctx, "/api/v1/runners/"+runnerID+"/skills")
	if err != nil {
		return nil, err
	}

	var result struct {
		Skills []Skill `json:"skills"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse skills: %w", err)
	}
	return result.Skills, nil
}

// CreateTerminal requests a terminal on a runner. The PTY is not started
// until the first viewer attaches and reports its dimensions.
func (r *RunnerClient) CreateTerminal(ctx context.Context, runnerID string, opts SpawnOptions) (*Terminal, error) {
	data, err := r.c.postJSON(ctx, "/api/v1/runners/"+runnerID+"/terminals", opts)
	if err != nil {
		return nil, err
	}

	var term Terminal
	if err := json.Unmarshal(data, &term); err != nil {
		return nil, fmt.Errorf("failed to parse terminal: %w", err)
	}
	return &term, nil
}

// Command runs a request/response round-trip against a runner. The
// payload shape is command-specific; the response is returned as-is.
func (r *RunnerClient) Command(ctx context.Context, runnerID string, payload map[string]interface{}) (map[string]interface{}, error) {
	data, err := r.c.postJSON(ctx, "/api/v1/runners/"+runnerID+"/command", payload)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse command response: %w", err)
	}
	return result, nil
}
