// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/lib/testutil"
)

const eventDeadline = 5 * time.Second

// fakeSource replays a scripted queue of acquisition results.
type fakeSource struct {
	mu      sync.Mutex
	results []acquireResult
	calls   int
}

type acquireResult struct {
	stream *Stream
	err    error
}

func (s *fakeSource) queue(stream *Stream, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, acquireResult{stream: stream, err: err})
}

func (s *fakeSource) Acquire(_ context.Context, _ Constraints) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return nil, &Error{Kind: KindDeviceUnreadable, Err: errors.New("script exhausted")}
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result.stream, result.err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingSink captures ReplaceTracks calls.
type recordingSink struct {
	mu       sync.Mutex
	replaced [][]webrtc.TrackLocal
}

func (s *recordingSink) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, tracks)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced)
}

func newFakeTrack(t *testing.T, id string, stopped *bool) *Track {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "screen")
	if err != nil {
		t.Fatalf("creating track: %v", err)
	}
	return NewTrack(local, func() {
		if stopped != nil {
			*stopped = true
		}
	})
}

func newTestController(t *testing.T, source Source, sink Sink, clk clock.Clock) *Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewController(source, sink, time.Second, clk, logger)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitPhase drains events until the wanted phase change arrives.
func waitPhase(t *testing.T, c *Controller, want Phase) {
	t.Helper()
	deadline := time.After(eventDeadline)
	for {
		select {
		case event := <-c.Events():
			if change, ok := event.(StateChange); ok && change.Phase == want {
				return
			}
		case <-deadline:
			t.Fatalf("phase %s never announced (currently %s)", want, c.Phase())
		}
	}
}

func TestStartActivates(t *testing.T) {
	source := &fakeSource{}
	source.queue(NewStream(newFakeTrack(t, "v0", nil)), nil)
	c := newTestController(t, source, nil, clock.Fake(time.Now()))

	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitPhase(t, c, PhaseActive)
	if got := len(c.Tracks()); got != 1 {
		t.Fatalf("Tracks() = %d handles, want 1", got)
	}
}

func TestStartFailureIsClassified(t *testing.T) {
	source := &fakeSource{}
	source.queue(nil, &Error{Kind: KindPermissionDenied, Err: errors.New("denied by OS")})
	c := newTestController(t, source, nil, clock.Fake(time.Now()))

	err := c.Start(context.Background(), Constraints{})
	if err == nil {
		t.Fatal("Start succeeded against a denied source")
	}
	var captureErr *Error
	if !errors.As(err, &captureErr) {
		t.Fatalf("error %v is not a classified *Error", err)
	}
	if captureErr.Kind != KindPermissionDenied {
		t.Fatalf("kind = %s, want %s", captureErr.Kind, KindPermissionDenied)
	}
	if captureErr.Guidance() == "" {
		t.Fatal("classified error has no guidance")
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase after failed start = %s, want %s", c.Phase(), PhaseIdle)
	}

	// A failed start must not burn the session; retry works.
	source.queue(NewStream(newFakeTrack(t, "v0", nil)), nil)
	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
}

func TestStartWhileActiveIsBusy(t *testing.T) {
	source := &fakeSource{}
	source.queue(NewStream(newFakeTrack(t, "v0", nil)), nil)
	c := newTestController(t, source, nil, clock.Fake(time.Now()))

	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background(), Constraints{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
}

// A track-ended event inside the grace window is acquisition noise
// and must not trigger reacquisition.
func TestGraceWindowSuppressesEnded(t *testing.T) {
	clk := clock.Fake(time.Now())
	source := &fakeSource{}
	track := newFakeTrack(t, "v0", nil)
	source.queue(NewStream(track), nil)
	c := newTestController(t, source, nil, clk)

	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitPhase(t, c, PhaseActive)

	track.End()

	testutil.RequireNoReceive(t, c.Events(), 100*time.Millisecond,
		"no event expected for an ended track inside the grace window")
	if got := source.callCount(); got != 1 {
		t.Fatalf("acquire calls = %d, want 1", got)
	}
	if c.Phase() != PhaseActive {
		t.Fatalf("phase = %s, want %s", c.Phase(), PhaseActive)
	}
}

// Past the grace window an ended track is a real device failure, and
// the controller reacquires and swaps the tracks into the session.
func TestEndedAfterGraceReacquires(t *testing.T) {
	clk := clock.Fake(time.Now())
	source := &fakeSource{}
	sink := &recordingSink{}
	oldStopped := false
	oldTrack := newFakeTrack(t, "v0", &oldStopped)
	source.queue(NewStream(oldTrack), nil)
	source.queue(NewStream(newFakeTrack(t, "v1", nil)), nil)
	c := newTestController(t, source, sink, clk)

	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitPhase(t, c, PhaseActive)

	clk.Advance(2 * time.Second)
	oldTrack.End()

	event := testutil.RequireReceive(t, c.Events(), eventDeadline, "SourceRecovered")
	if _, ok := event.(SourceRecovered); !ok {
		t.Fatalf("event = %#v, want SourceRecovered", event)
	}
	if got := source.callCount(); got != 2 {
		t.Fatalf("acquire calls = %d, want 2", got)
	}
	if !oldStopped {
		t.Fatal("failed track was not released")
	}
	if sink.count() != 1 {
		t.Fatalf("ReplaceTracks calls = %d, want 1", sink.count())
	}
	if c.Phase() != PhaseActive {
		t.Fatalf("phase = %s, want %s", c.Phase(), PhaseActive)
	}
}

// A failed reacquisition releases everything and parks in PhaseFailed.
func TestRecoveryFailureReleasesAndFails(t *testing.T) {
	clk := clock.Fake(time.Now())
	source := &fakeSource{}
	stopped := false
	track := newFakeTrack(t, "v0", &stopped)
	source.queue(NewStream(track), nil)
	source.queue(nil, &Error{Kind: KindNotFound, Err: errors.New("surface gone")})
	c := newTestController(t, source, nil, clk)

	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitPhase(t, c, PhaseActive)

	clk.Advance(2 * time.Second)
	track.End()

	waitPhase(t, c, PhaseFailed)
	event := testutil.RequireReceive(t, c.Events(), eventDeadline, "SourceFailed")
	failed, ok := event.(SourceFailed)
	if !ok {
		t.Fatalf("event = %#v, want SourceFailed", event)
	}
	var captureErr *Error
	if !errors.As(failed.Err, &captureErr) || captureErr.Kind != KindNotFound {
		t.Fatalf("failure error = %v, want KindNotFound", failed.Err)
	}
	if !stopped {
		t.Fatal("stream was not released on the failure path")
	}
}

// Stopping is not a device failure; no reacquisition follows.
func TestStopDoesNotTriggerRecovery(t *testing.T) {
	clk := clock.Fake(time.Now())
	source := &fakeSource{}
	stopped := false
	source.queue(NewStream(newFakeTrack(t, "v0", &stopped)), nil)
	c := newTestController(t, source, nil, clk)

	if err := c.Start(context.Background(), Constraints{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitPhase(t, c, PhaseActive)
	clk.Advance(2 * time.Second)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitPhase(t, c, PhaseIdle)

	if !stopped {
		t.Fatal("Stop did not release the stream")
	}
	if got := source.callCount(); got != 1 {
		t.Fatalf("acquire calls = %d, want 1", got)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
