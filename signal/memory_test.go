// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"testing"
)

func TestMemoryRelayFetchDrains(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()

	envelope, err := NewEnvelope("room-1", "alice", "bob", Heartbeat{At: stamp}, stamp)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := relay.Send(ctx, envelope); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := relay.Fetch(ctx, "room-1", "bob")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != envelope.ID {
		t.Fatalf("Fetch = %v, want the one sent envelope", got)
	}

	// The mailbox is cleared on fetch.
	got, err = relay.Fetch(ctx, "room-1", "bob")
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second Fetch returned %d envelopes, want 0", len(got))
	}
}

func TestMemoryRelayAddressing(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()

	toBob, _ := NewEnvelope("room-1", "alice", "bob", Heartbeat{At: stamp}, stamp)
	toCarol, _ := NewEnvelope("room-1", "alice", "carol", Heartbeat{At: stamp}, stamp)
	otherRoom, _ := NewEnvelope("room-2", "alice", "bob", Heartbeat{At: stamp}, stamp)
	for _, envelope := range []Envelope{toBob, toCarol, otherRoom} {
		if err := relay.Send(ctx, envelope); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	got, err := relay.Fetch(ctx, "room-1", "bob")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != toBob.ID {
		t.Fatalf("bob's mailbox = %v, want only the envelope addressed to bob in room-1", got)
	}
	if relay.Pending("room-1", "carol") != 1 {
		t.Error("carol's envelope went missing")
	}
	if relay.Pending("room-2", "bob") != 1 {
		t.Error("room-2 envelope went missing")
	}
}

func TestMemoryRelayPreservesOrder(t *testing.T) {
	relay := NewMemoryRelay()
	ctx := context.Background()

	first, _ := NewEnvelope("room-1", "alice", "bob", Offer{SDP: "one"}, stamp)
	second, _ := NewEnvelope("room-1", "alice", "bob", Answer{SDP: "two"}, stamp)
	third, _ := NewEnvelope("room-1", "alice", "bob", Heartbeat{At: stamp}, stamp)
	for _, envelope := range []Envelope{first, second, third} {
		relay.Send(ctx, envelope)
	}

	got, _ := relay.Fetch(ctx, "room-1", "bob")
	if len(got) != 3 {
		t.Fatalf("Fetch returned %d envelopes, want 3", len(got))
	}
	for i, want := range []string{first.ID, second.ID, third.ID} {
		if got[i].ID != want {
			t.Errorf("envelope %d = %s, want %s (arrival order broken)", i, got[i].ID, want)
		}
	}
}
