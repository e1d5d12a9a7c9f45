// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/lib/config"
)

// Mode is the path positions currently travel.
type Mode int

const (
	// ModeChannel sends positions over the peer data channels.
	ModeChannel Mode = iota

	// ModeFallback writes positions to the persistence store.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeChannel:
		return "channel"
	case ModeFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Channels is the data-channel side of the hybrid path. Satisfied by
// the session manager.
type Channels interface {
	// BroadcastCursor sends one frame to every open channel and
	// reports how many peers received it.
	BroadcastCursor(data []byte) int

	// OpenChannels reports how many channels are currently open.
	OpenChannels() int
}

// Options configures a Transport. Channels, Store, RoomID, and SelfID
// are required.
type Options struct {
	RoomID string
	SelfID string

	Channels Channels
	Store    Store

	// Cursor holds the timeout and throttle tunables. Zero values are
	// filled from config.Default().
	Cursor config.CursorConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

// Transport routes outgoing positions over data channels while any
// are open and through the Store otherwise.
type Transport struct {
	roomID   string
	selfID   string
	channels Channels
	store    Store
	clk      clock.Clock
	logger   *slog.Logger

	connectTimeout   time.Duration
	fallbackInterval time.Duration
	healthInterval   time.Duration

	modeChanges chan Mode
	done        chan struct{}
	closeOnce   sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu        sync.Mutex
	mode      Mode
	startedAt time.Time

	// everOpen distinguishes "channels never came up" (grant the
	// connect timeout) from "channels were up and dropped to zero"
	// (fall back immediately).
	everOpen bool

	// last is what the recovery rebroadcast and the throttle flush
	// send; it always holds the newest sample.
	last         *Position
	pendingWrite bool
	lastWrite    time.Time
	seq          uint64
}

// NewTransport builds a Transport in ModeChannel. Call Start to begin
// health checking.
func NewTransport(opts Options) (*Transport, error) {
	switch {
	case opts.RoomID == "":
		return nil, errors.New("cursor: RoomID is required")
	case opts.SelfID == "":
		return nil, errors.New("cursor: SelfID is required")
	case opts.Channels == nil:
		return nil, errors.New("cursor: Channels is required")
	case opts.Store == nil:
		return nil, errors.New("cursor: Store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cursor.FallbackInterval.D() == 0 {
		opts.Cursor = config.Default().Cursor
	}

	return &Transport{
		roomID:           opts.RoomID,
		selfID:           opts.SelfID,
		channels:         opts.Channels,
		store:            opts.Store,
		clk:              opts.Clock,
		logger:           opts.Logger.With("room", opts.RoomID, "self", opts.SelfID),
		connectTimeout:   opts.Cursor.ConnectTimeout.D(),
		fallbackInterval: opts.Cursor.FallbackInterval.D(),
		healthInterval:   opts.Cursor.HealthInterval.D(),
		modeChanges:      make(chan Mode, 8),
		done:             make(chan struct{}),
		mode:             ModeChannel,
	}, nil
}

// Mode returns the current path.
func (t *Transport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// ModeChanges delivers path switches. Buffered; an absent reader
// loses notifications, never positions.
func (t *Transport) ModeChanges() <-chan Mode { return t.modeChanges }

// Start launches the health loop.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.mu.Lock()
	t.startedAt = t.clk.Now()
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.healthLoop(ctx)
	}()
}

// Close stops the health loop.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
	return nil
}

// Update routes one position sample. Sequence number and timestamp
// are assigned here. The sample that discovers all channels gone is
// persisted rather than dropped.
func (t *Transport) Update(ctx context.Context, p Position) error {
	t.mu.Lock()
	t.seq++
	p.Seq = t.seq
	p.SentAt = t.clk.Now()
	t.last = &p
	mode := t.mode
	t.mu.Unlock()

	if mode == ModeChannel {
		data, err := EncodePosition(p)
		if err != nil {
			return err
		}
		if delivered := t.channels.BroadcastCursor(data); delivered > 0 {
			return nil
		}
		t.logger.Warn("no cursor channel accepted the frame, using persistence fallback")
		t.setMode(ModeFallback)
		return t.persist(ctx, p)
	}
	return t.persistThrottled(ctx, p)
}

// Snapshot reads every other participant's latest position from the
// store, for the fallback read path.
func (t *Transport) Snapshot(ctx context.Context) (map[string]Position, error) {
	positions, err := t.store.Positions(ctx, t.roomID)
	if err != nil {
		return nil, err
	}
	delete(positions, t.selfID)
	return positions, nil
}

func (t *Transport) healthLoop(ctx context.Context) {
	ticker := t.clk.NewTicker(t.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case now := <-ticker.C:
			t.healthTick(ctx, now)
		}
	}
}

// healthTick re-evaluates the path: channel mode with no channel past
// the connect timeout falls back, fallback mode with a channel open
// again recovers and rebroadcasts, and a throttled write that came
// due is flushed.
func (t *Transport) healthTick(ctx context.Context, now time.Time) {
	open := t.channels.OpenChannels()

	t.mu.Lock()
	if open > 0 {
		t.everOpen = true
	}
	mode := t.mode
	last := t.last
	channelGone := t.everOpen || now.Sub(t.startedAt) >= t.connectTimeout
	writeDue := t.pendingWrite && now.Sub(t.lastWrite) >= t.fallbackInterval
	t.mu.Unlock()

	switch {
	case mode == ModeChannel && open == 0 && channelGone:
		t.logger.Warn("no cursor channel open past connect timeout, using persistence fallback")
		t.setMode(ModeFallback)
		if last != nil {
			if err := t.persist(ctx, *last); err != nil {
				t.logger.Error("persisting position", "error", err)
			}
		}

	case mode == ModeFallback && open > 0:
		t.logger.Info("cursor channel back, leaving persistence fallback")
		t.setMode(ModeChannel)
		// Rebroadcast so peers that joined during the fallback stretch
		// see the pointer immediately.
		if last != nil {
			if data, err := EncodePosition(*last); err == nil {
				t.channels.BroadcastCursor(data)
			}
		}

	case mode == ModeFallback && writeDue:
		if last != nil {
			if err := t.persist(ctx, *last); err != nil {
				t.logger.Error("flushing throttled position", "error", err)
			}
		}
	}
}

// persist writes p immediately, resetting the throttle window.
func (t *Transport) persist(ctx context.Context, p Position) error {
	t.mu.Lock()
	t.lastWrite = t.clk.Now()
	t.pendingWrite = false
	t.mu.Unlock()

	if err := t.store.SetPosition(ctx, t.roomID, t.selfID, p); err != nil {
		return fmt.Errorf("persisting position: %w", err)
	}
	return nil
}

// persistThrottled writes p unless a write happened within the
// throttle window; a suppressed sample is flushed by the next health
// tick so the final position always lands.
func (t *Transport) persistThrottled(ctx context.Context, p Position) error {
	t.mu.Lock()
	if t.clk.Now().Sub(t.lastWrite) < t.fallbackInterval {
		t.pendingWrite = true
		t.mu.Unlock()
		return nil
	}
	t.lastWrite = t.clk.Now()
	t.pendingWrite = false
	t.mu.Unlock()

	if err := t.store.SetPosition(ctx, t.roomID, t.selfID, p); err != nil {
		return fmt.Errorf("persisting position: %w", err)
	}
	return nil
}

func (t *Transport) setMode(mode Mode) {
	t.mu.Lock()
	if t.mode == mode {
		t.mu.Unlock()
		return
	}
	t.mode = mode
	t.mu.Unlock()

	select {
	case t.modeChanges <- mode:
	default:
	}
}
