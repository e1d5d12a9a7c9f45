// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"sync"
	"time"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/signal"
)

// Store is a mailbox of undelivered envelopes keyed by room and
// recipient. Take is destructive: the returned envelopes are removed.
type Store interface {
	// Append queues an envelope for its addressee.
	Append(ctx context.Context, envelope signal.Envelope) error

	// Take returns and removes every envelope waiting for peerID in
	// roomID, oldest first.
	Take(ctx context.Context, roomID, peerID string) ([]signal.Envelope, error)
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps mailboxes in process memory. Envelopes older than
// the retention window are dropped on the next touch of their
// mailbox; the relay is durable only until first delivery, not a
// message archive.
type MemoryStore struct {
	clock     clock.Clock
	retention time.Duration

	mu        sync.Mutex
	mailboxes map[string][]storedEnvelope
}

type storedEnvelope struct {
	envelope signal.Envelope
	storedAt time.Time
}

// NewMemoryStore creates a memory store. retention <= 0 disables
// expiry.
func NewMemoryStore(clk clock.Clock, retention time.Duration) *MemoryStore {
	return &MemoryStore{
		clock:     clk,
		retention: retention,
		mailboxes: make(map[string][]storedEnvelope),
	}
}

func storeKey(roomID, peerID string) string { return roomID + "|" + peerID }

func (s *MemoryStore) Append(_ context.Context, envelope signal.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(envelope.RoomID, envelope.To)
	s.mailboxes[key] = append(s.pruneLocked(s.mailboxes[key]), storedEnvelope{
		envelope: envelope,
		storedAt: s.clock.Now(),
	})
	return nil
}

func (s *MemoryStore) Take(_ context.Context, roomID, peerID string) ([]signal.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(roomID, peerID)
	kept := s.pruneLocked(s.mailboxes[key])
	delete(s.mailboxes, key)

	if len(kept) == 0 {
		return nil, nil
	}
	envelopes := make([]signal.Envelope, len(kept))
	for i, entry := range kept {
		envelopes[i] = entry.envelope
	}
	return envelopes, nil
}

func (s *MemoryStore) pruneLocked(entries []storedEnvelope) []storedEnvelope {
	if s.retention <= 0 || len(entries) == 0 {
		return entries
	}
	cutoff := s.clock.Now().Add(-s.retention)
	kept := entries[:0]
	for _, entry := range entries {
		if entry.storedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	return kept
}
