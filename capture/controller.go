// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/atrium-foundation/atrium/lib/clock"
)

// Phase is the controller's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseStopping
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ErrBusy is returned by Start while a session is already starting or
// active.
var ErrBusy = errors.New("capture: already capturing")

// Event is the closed set of controller notifications.
type Event interface {
	captureEvent()
}

// StateChange reports a phase transition.
type StateChange struct {
	Phase Phase
}

// SourceRecovered reports a successful mid-session reacquisition
// after the device failed.
type SourceRecovered struct{}

// SourceFailed reports that the device failed and reacquisition did
// not succeed. Err is a classified *Error when the source provided
// one.
type SourceFailed struct {
	Err error
}

func (StateChange) captureEvent()     {}
func (SourceRecovered) captureEvent() {}
func (SourceFailed) captureEvent()    {}

// Sink receives the replacement tracks after a recovery. Satisfied by
// the session manager.
type Sink interface {
	ReplaceTracks(tracks []webrtc.TrackLocal) error
}

// Controller sequences one capture session at a time.
type Controller struct {
	source Source
	sink   Sink
	clk    clock.Clock
	logger *slog.Logger
	grace  time.Duration

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	phase       Phase
	stream      *Stream
	constraints Constraints

	// graceUntil bounds the window in which track-ended events are
	// written off as acquisition noise.
	graceUntil time.Time
}

// NewController builds a Controller in PhaseIdle. sink may be nil
// when no session manager is attached yet.
func NewController(source Source, sink Sink, grace time.Duration, clk clock.Clock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		source: source,
		sink:   sink,
		clk:    clk,
		logger: logger,
		grace:  grace,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		phase:  PhaseIdle,
	}
}

// Events delivers the controller's notifications.
func (c *Controller) Events() <-chan Event { return c.events }

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Tracks returns the active stream's webrtc handles, or nil outside
// PhaseActive.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseActive || c.stream == nil {
		return nil
	}
	return c.stream.Locals()
}

// Start acquires media and activates the session. A classified
// acquisition failure returns the controller to PhaseIdle so the user
// can adjust and retry.
func (c *Controller) Start(ctx context.Context, constraints Constraints) error {
	c.mu.Lock()
	if c.phase == PhaseStarting || c.phase == PhaseActive || c.phase == PhaseStopping {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseStarting
	c.constraints = constraints
	c.mu.Unlock()
	c.emit(StateChange{Phase: PhaseStarting})

	stream, err := c.source.Acquire(ctx, constraints)
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		c.emit(StateChange{Phase: PhaseIdle})
		return fmt.Errorf("acquiring media: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.phase = PhaseActive
	c.graceUntil = c.clk.Now().Add(c.grace)
	c.mu.Unlock()

	c.watch(ctx, stream)
	c.emit(StateChange{Phase: PhaseActive})
	return nil
}

// Stop releases the device. Idempotent; after Stop the controller is
// back in PhaseIdle and a new Start may begin.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.phase == PhaseIdle || c.phase == PhaseStopping {
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	c.stream = nil
	c.phase = PhaseStopping
	c.mu.Unlock()
	c.emit(StateChange{Phase: PhaseStopping})

	if stream != nil {
		stream.Close()
	}

	c.mu.Lock()
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.emit(StateChange{Phase: PhaseIdle})
	return nil
}

// Close permanently shuts the controller down, releasing any active
// stream.
func (c *Controller) Close() error {
	err := c.Stop()
	c.once.Do(func() { close(c.done) })
	return err
}

// watch reacts to device-side track endings for one stream.
func (c *Controller) watch(ctx context.Context, stream *Stream) {
	for _, track := range stream.Tracks() {
		go func(track *Track) {
			select {
			case <-track.Ended():
				c.handleTrackEnded(ctx, stream)
			case <-c.done:
			}
		}(track)
	}
}

// handleTrackEnded decides whether an ended track is noise, a
// consequence of our own teardown, or a real device failure worth a
// reacquisition.
func (c *Controller) handleTrackEnded(ctx context.Context, stream *Stream) {
	c.mu.Lock()
	if c.phase != PhaseActive || c.stream != stream {
		// Our own Stop or a superseded stream; nothing to recover.
		c.mu.Unlock()
		return
	}
	if c.clk.Now().Before(c.graceUntil) {
		c.logger.Debug("ignoring track ended inside grace window")
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Warn("capture track ended, reacquiring")
	c.recover(ctx)
}

// recover reacquires with the original constraints and swaps the new
// tracks into the live connections. Failure releases everything and
// parks the controller in PhaseFailed.
func (c *Controller) recover(ctx context.Context) {
	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	constraints := c.constraints
	old := c.stream
	c.mu.Unlock()

	stream, err := c.source.Acquire(ctx, constraints)
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseFailed
		c.stream = nil
		c.mu.Unlock()
		if old != nil {
			old.Close()
		}
		c.logger.Error("capture recovery failed", "error", err)
		c.emit(StateChange{Phase: PhaseFailed})
		c.emit(SourceFailed{Err: err})
		return
	}

	c.mu.Lock()
	if c.phase != PhaseActive {
		// Stopped while reacquiring; release the fresh stream too.
		c.mu.Unlock()
		stream.Close()
		if old != nil {
			old.Close()
		}
		return
	}
	c.stream = stream
	c.graceUntil = c.clk.Now().Add(c.grace)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.watch(ctx, stream)

	if c.sink != nil {
		if err := c.sink.ReplaceTracks(stream.Locals()); err != nil {
			c.logger.Error("replacing tracks after recovery", "error", err)
		}
	}
	c.emit(SourceRecovered{})
}

func (c *Controller) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("capture event buffer full, dropping", "event", fmt.Sprintf("%T", event))
	}
}
