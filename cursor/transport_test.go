// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/lib/config"
	"github.com/atrium-foundation/atrium/lib/testutil"
)

// fakeChannels scripts how many peers accept each broadcast.
type fakeChannels struct {
	mu      sync.Mutex
	open    int
	deliver int
	frames  [][]byte
}

func (c *fakeChannels) set(open, deliver int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
	c.deliver = deliver
}

func (c *fakeChannels) BroadcastCursor(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return c.deliver
}

func (c *fakeChannels) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannels) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeChannels) lastFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func testCursorConfig() config.CursorConfig {
	return config.CursorConfig{
		ConnectTimeout:   config.Duration(10 * time.Second),
		FallbackInterval: config.Duration(2 * time.Second),
		HealthInterval:   config.Duration(time.Second),
	}
}

func newTestTransport(t *testing.T, channels Channels, store Store, clk clock.Clock) *Transport {
	t.Helper()
	tr, err := NewTransport(Options{
		RoomID:   "room-1",
		SelfID:   "alice",
		Channels: channels,
		Store:    store,
		Cursor:   testCursorConfig(),
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func storedPosition(t *testing.T, store Store, peerID string) (Position, bool) {
	t.Helper()
	positions, err := store.Positions(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	p, ok := positions[peerID]
	return p, ok
}

func TestUpdateUsesChannelWhileDelivering(t *testing.T) {
	channels := &fakeChannels{}
	channels.set(1, 1)
	store := NewMemoryStore()
	tr := newTestTransport(t, channels, store, clock.Fake(time.Now()))

	if err := tr.Update(context.Background(), Position{X: 0.5, Y: 0.5, Visible: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if channels.frameCount() != 1 {
		t.Fatalf("frames sent = %d, want 1", channels.frameCount())
	}
	if _, ok := storedPosition(t, store, "alice"); ok {
		t.Fatal("position persisted while the channel path delivered")
	}

	p, err := DecodePosition(channels.lastFrame())
	if err != nil {
		t.Fatalf("DecodePosition: %v", err)
	}
	if p.X != 0.5 || p.Y != 0.5 || !p.Visible || p.Seq != 1 {
		t.Fatalf("decoded frame = %+v", p)
	}
}

// The sample that discovers all channels gone must reach the store;
// zero positions may be lost at the switch.
func TestZeroDeliveryFallsBackWithoutLosingThePosition(t *testing.T) {
	channels := &fakeChannels{} // delivers to nobody
	store := NewMemoryStore()
	tr := newTestTransport(t, channels, store, clock.Fake(time.Now()))

	if err := tr.Update(context.Background(), Position{X: 0.25, Y: 0.75, Visible: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if tr.Mode() != ModeFallback {
		t.Fatalf("mode = %s, want %s", tr.Mode(), ModeFallback)
	}
	mode := testutil.RequireReceive(t, tr.ModeChanges(), time.Second, "mode change")
	if mode != ModeFallback {
		t.Fatalf("announced mode = %s, want %s", mode, ModeFallback)
	}

	p, ok := storedPosition(t, store, "alice")
	if !ok {
		t.Fatal("switching frame was lost")
	}
	if p.X != 0.25 || p.Y != 0.75 || p.Seq != 1 {
		t.Fatalf("persisted position = %+v", p)
	}
}

func TestConnectTimeoutFallsBack(t *testing.T) {
	clk := clock.Fake(time.Now())
	channels := &fakeChannels{} // nothing ever opens
	tr := newTestTransport(t, channels, NewMemoryStore(), clk)

	tr.Start(context.Background())
	clk.WaitForTimers(1)
	clk.Advance(testCursorConfig().ConnectTimeout.D())

	mode := testutil.RequireReceive(t, tr.ModeChanges(), 5*time.Second, "fallback mode change")
	if mode != ModeFallback {
		t.Fatalf("announced mode = %s, want %s", mode, ModeFallback)
	}
}

// Channels that were healthy and then dropped to zero trigger the
// fallback on the next health check, without waiting out the connect
// timeout.
func TestChannelDropFallsBackBeforeConnectTimeout(t *testing.T) {
	clk := clock.Fake(time.Now())
	channels := &fakeChannels{}
	channels.set(1, 1)
	tr := newTestTransport(t, channels, NewMemoryStore(), clk)

	tr.Start(context.Background())
	clk.WaitForTimers(1)

	// Let a tick observe the healthy channel set.
	deadline := time.Now().Add(5 * time.Second)
	for {
		clk.Advance(testCursorConfig().HealthInterval.D())
		tr.mu.Lock()
		seen := tr.everOpen
		tr.mu.Unlock()
		if seen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("health check never observed the open channel")
		}
		time.Sleep(2 * time.Millisecond)
	}

	channels.set(0, 0)
	for tr.Mode() != ModeFallback {
		clk.Advance(testCursorConfig().HealthInterval.D())
		if time.Now().After(deadline) {
			t.Fatal("transport never fell back after channels dropped")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Fallback writes are throttled, but a suppressed sample is flushed
// by the health loop so the final position is never lost.
func TestFallbackThrottleFlushesFinalPosition(t *testing.T) {
	clk := clock.Fake(time.Now())
	channels := &fakeChannels{}
	store := NewMemoryStore()
	tr := newTestTransport(t, channels, store, clk)
	ctx := context.Background()

	// First update discovers zero delivery, switches, and persists.
	if err := tr.Update(ctx, Position{X: 0.1, Y: 0.1}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Inside the throttle window: suppressed, not written.
	if err := tr.Update(ctx, Position{X: 0.9, Y: 0.9}); err != nil {
		t.Fatalf("throttled Update: %v", err)
	}
	p, _ := storedPosition(t, store, "alice")
	if p.Seq != 1 {
		t.Fatalf("stored seq = %d, want 1 while throttled", p.Seq)
	}

	tr.Start(ctx)
	clk.WaitForTimers(1)
	clk.Advance(testCursorConfig().FallbackInterval.D())

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, _ = storedPosition(t, store, "alice")
		if p.Seq == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("suppressed position never flushed, stored = %+v", p)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.X != 0.9 || p.Y != 0.9 {
		t.Fatalf("flushed position = %+v, want the newest sample", p)
	}
}

// When a channel opens again the transport leaves fallback and
// rebroadcasts the last known position.
func TestRecoveryRebroadcastsLastPosition(t *testing.T) {
	clk := clock.Fake(time.Now())
	channels := &fakeChannels{}
	tr := newTestTransport(t, channels, NewMemoryStore(), clk)
	ctx := context.Background()

	if err := tr.Update(ctx, Position{X: 0.4, Y: 0.6}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	testutil.RequireReceive(t, tr.ModeChanges(), time.Second, "fallback mode change")

	channels.set(1, 1)
	tr.Start(ctx)
	clk.WaitForTimers(1)
	clk.Advance(testCursorConfig().HealthInterval.D())

	mode := testutil.RequireReceive(t, tr.ModeChanges(), 5*time.Second, "recovery mode change")
	if mode != ModeChannel {
		t.Fatalf("announced mode = %s, want %s", mode, ModeChannel)
	}

	deadline := time.Now().Add(5 * time.Second)
	for channels.frameCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no rebroadcast after recovery")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p, err := DecodePosition(channels.lastFrame())
	if err != nil {
		t.Fatalf("DecodePosition: %v", err)
	}
	if p.X != 0.4 || p.Y != 0.6 || p.Seq != 1 {
		t.Fatalf("rebroadcast position = %+v", p)
	}
}

func TestSnapshotExcludesSelf(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.SetPosition(ctx, "room-1", "alice", Position{X: 0.1})
	store.SetPosition(ctx, "room-1", "bob", Position{X: 0.2})

	tr := newTestTransport(t, &fakeChannels{}, store, clock.Fake(time.Now()))
	positions, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("snapshot = %v, want bob only", positions)
	}
	if positions["bob"].X != 0.2 {
		t.Fatalf("bob position = %+v", positions["bob"])
	}
}
