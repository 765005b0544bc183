// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import "sync"

// pendingEvent is one event awaiting a relay acknowledgment.
type pendingEvent struct {
	ClientSeq int64
	Payload   map[string]interface{}
}

// ackBuffer assigns client sequence numbers to outgoing events and holds
// them until the relay acknowledges receipt. Acks are cumulative: an ack
// for N releases everything up to and including N. Whatever is left after
// a reconnect gets resent in order.
type ackBuffer struct {
	mu      sync.Mutex
	next    int64
	pending []pendingEvent
}

func newAckBuffer() *ackBuffer {
	return &ackBuffer{next: 1}
}

// add assigns the next client sequence number to the payload and buffers
// it until acknowledged.
func (b *ackBuffer) add(payload map[string]interface{}) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.next
	b.next++
	b.pending = append(b.pending, pendingEvent{ClientSeq: seq, Payload: payload})
	return seq
}

// ack releases every buffered event with a sequence number at or below
// clientSeq. Stale acks (below everything buffered) are a no-op.
func (b *ackBuffer) ack(clientSeq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := 0
	for i < len(b.pending) && b.pending[i].ClientSeq <= clientSeq {
		i++
	}
	b.pending = b.pending[i:]
}

// unacked returns a copy of the buffered events, oldest first.
func (b *ackBuffer) unacked() []pendingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pendingEvent, len(b.pending))
	copy(out, b.pending)
	return out
}

// size reports how many events are awaiting acknowledgment.
func (b *ackBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
