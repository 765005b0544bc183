// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThinkingTrackerDurations(t *testing.T) {
	tr := newThinkingTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.start(0, base)
	tr.end(0, base.Add(2300*time.Millisecond))
	assert.Equal(t, 3, tr.durations[0], "partial seconds round up")

	tr.start(1, base)
	tr.end(1, base.Add(100*time.Millisecond))
	assert.Equal(t, 1, tr.durations[1], "minimum is one second")

	// An end with no matching start is ignored.
	tr.end(9, base)
	assert.NotContains(t, tr.durations, 9)
}

func TestThinkingStamp(t *testing.T) {
	tr := newThinkingTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.start(0, base)
	tr.end(0, base.Add(4*time.Second))
	tr.start(2, base)
	tr.end(2, base.Add(time.Second))

	payload := map[string]interface{}{
		"type": "message_end",
		"content": []interface{}{
			map[string]interface{}{"type": "thinking", "thinking": "a"},
			map[string]interface{}{"type": "text", "text": "b"},
			map[string]interface{}{"type": "thinking", "thinking": "c", "durationSeconds": 7},
		},
	}

	out := tr.stamp(payload)
	content := out["content"].([]interface{})

	first := content[0].(map[string]interface{})
	assert.Equal(t, 4, first["durationSeconds"])

	second := content[1].(map[string]interface{})
	assert.NotContains(t, second, "durationSeconds", "non-thinking blocks untouched")

	third := content[2].(map[string]interface{})
	assert.Equal(t, 7, third["durationSeconds"], "explicit durations are preserved")

	// The input payload is never mutated.
	orig := payload["content"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, orig, "durationSeconds")
}

func TestThinkingStampWithoutContent(t *testing.T) {
	tr := newThinkingTracker()
	payload := map[string]interface{}{"type": "message_end"}
	assert.Equal(t, payload, tr.stamp(payload))
}
