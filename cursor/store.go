// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"sync"
)

// Store is the persistence fallback: the latest position per
// participant, keyed by room. Writes replace, never queue.
type Store interface {
	SetPosition(ctx context.Context, roomID, peerID string, p Position) error
	Positions(ctx context.Context, roomID string) (map[string]Position, error)
}

// MemoryStore is an in-process Store for tests and single-machine
// sessions.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]Position)}
}

func (s *MemoryStore) SetPosition(_ context.Context, roomID, peerID string, p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[roomID]
	if room == nil {
		room = make(map[string]Position)
		s.rooms[roomID] = room
	}
	room[peerID] = p
	return nil
}

func (s *MemoryStore) Positions(_ context.Context, roomID string) (map[string]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Position, len(s.rooms[roomID]))
	for peerID, p := range s.rooms[roomID] {
		out[peerID] = p
	}
	return out, nil
}
