// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sort"
	"sync"
)

// Directory answers who is currently in a room. The manager consults
// it once when sharing starts; membership changes after that arrive
// as offers from the new participants themselves.
type Directory interface {
	ListActiveParticipants(ctx context.Context, roomID string) ([]string, error)
}

// MemoryDirectory is an in-process Directory for tests and
// single-machine sessions.
type MemoryDirectory struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{rooms: make(map[string]map[string]struct{})}
}

// Join records peerID as active in roomID.
func (d *MemoryDirectory) Join(roomID, peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room := d.rooms[roomID]
	if room == nil {
		room = make(map[string]struct{})
		d.rooms[roomID] = room
	}
	room[peerID] = struct{}{}
}

// Leave removes peerID from roomID.
func (d *MemoryDirectory) Leave(roomID, peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms[roomID], peerID)
}

// ListActiveParticipants returns the members of roomID in stable
// order.
func (d *MemoryDirectory) ListActiveParticipants(_ context.Context, roomID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members := make([]string, 0, len(d.rooms[roomID]))
	for peerID := range d.rooms[roomID] {
		members = append(members, peerID)
	}
	sort.Strings(members)
	return members, nil
}
