// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// SessionClient provides access to the session listing endpoints.
type SessionClient struct {
	c *Client
}

// List returns the caller's live sessions.
func (s *SessionClient) List(ctx context.Context) ([]Session, error) {
	data, err := s.c.get(ctx, "/api/v1/sessions")
	if err != nil {
		return nil, err
	}

	var result struct {
		Sessions []Session `json:"sessions"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse sessions: %w", err)
	}
	return result.Sessions, nil
}
