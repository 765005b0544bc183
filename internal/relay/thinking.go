// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"math"
	"time"
)

// thinkingTracker measures thinking-block durations for one session. The
// owner stream interleaves thinking_start/thinking_end deltas, but the
// final persisted message needs the duration baked into each block, so the
// tracker records wall-clock spans per content index and stamps them into
// the turn-final payload before publish.
type thinkingTracker struct {
	starts    map[int]time.Time
	durations map[int]int
}

func newThinkingTracker() *thinkingTracker {
	return &thinkingTracker{
		starts:    make(map[int]time.Time),
		durations: make(map[int]int),
	}
}

func (t *thinkingTracker) start(index int, now time.Time) {
	t.starts[index] = now
}

func (t *thinkingTracker) end(index int, now time.Time) {
	started, ok := t.starts[index]
	if !ok {
		return
	}
	delete(t.starts, index)
	secs := int(math.Ceil(now.Sub(started).Seconds()))
	if secs < 1 {
		secs = 1
	}
	t.durations[index] = secs
}

func (t *thinkingTracker) empty() bool {
	return len(t.starts) == 0 && len(t.durations) == 0
}

// stamp returns a copy of the payload where every thinking block in the
// content array that lacks an explicit durationSeconds gets the recorded
// value for its index. The original payload is not mutated.
func (t *thinkingTracker) stamp(payload map[string]interface{}) map[string]interface{} {
	content, ok := payload["content"].([]interface{})
	if !ok || len(t.durations) == 0 {
		return payload
	}

	stampedContent := make([]interface{}, len(content))
	copy(stampedContent, content)
	changed := false

	for i, item := range stampedContent {
		block, ok := item.(map[string]interface{})
		if !ok || payloadType(block) != "thinking" {
			continue
		}
		if _, has := block["durationSeconds"]; has {
			continue
		}
		secs, ok := t.durations[i]
		if !ok {
			continue
		}
		stamped := make(map[string]interface{}, len(block)+1)
		for k, v := range block {
			stamped[k] = v
		}
		stamped["durationSeconds"] = secs
		stampedContent[i] = stamped
		changed = true
	}

	if !changed {
		return payload
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	out["content"] = stampedContent
	return out
}
