// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Relay = (*MemoryRelay)(nil)

// MemoryRelay is an in-process Relay for tests. Envelopes queue in a
// per-recipient mailbox; Fetch drains the caller's mailbox. Two
// session managers sharing one MemoryRelay can negotiate connections
// without any network.
type MemoryRelay struct {
	mu        sync.Mutex
	mailboxes map[string][]Envelope // key: roomID + "|" + peerID
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{mailboxes: make(map[string][]Envelope)}
}

func mailboxKey(roomID, peerID string) string {
	return roomID + "|" + peerID
}

func (r *MemoryRelay) Send(_ context.Context, envelope Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := mailboxKey(envelope.RoomID, envelope.To)
	r.mailboxes[key] = append(r.mailboxes[key], envelope)
	return nil
}

func (r *MemoryRelay) Fetch(_ context.Context, roomID, peerID string) ([]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := mailboxKey(roomID, peerID)
	pending := r.mailboxes[key]
	delete(r.mailboxes, key)
	return pending, nil
}

// Pending reports how many undelivered envelopes wait for peerID.
// Test helper.
func (r *MemoryRelay) Pending(roomID, peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes[mailboxKey(roomID, peerID)])
}
