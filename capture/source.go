// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Constraints describes the media a Start call wants. Zero values
// leave the choice to the source.
type Constraints struct {
	// Audio requests system audio alongside the video track.
	Audio bool

	// FrameRate, Width, and Height are hints; sources may deliver a
	// different mode when the exact one is unavailable.
	FrameRate int
	Width     int
	Height    int
}

// Source acquires media from a device or display surface. Acquire
// returns a classified *Error on failure.
type Source interface {
	Acquire(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Stream is one acquisition's worth of tracks. Close releases every
// track; it is safe to call more than once.
type Stream struct {
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []*Track { return s.tracks }

// Locals returns the webrtc-ready track handles, in stream order.
func (s *Stream) Locals() []webrtc.TrackLocal {
	locals := make([]webrtc.TrackLocal, len(s.tracks))
	for i, track := range s.tracks {
		locals[i] = track.Local
	}
	return locals
}

// Close stops every track.
func (s *Stream) Close() {
	for _, track := range s.tracks {
		track.Stop()
	}
}

// Track pairs a webrtc track with device-side lifecycle signals.
// Sources create tracks with NewTrack and call End when the device
// stops delivering.
type Track struct {
	Local webrtc.TrackLocal

	ended    chan struct{}
	endOnce  sync.Once
	stop     func()
	stopOnce sync.Once
}

// NewTrack wraps local. stop releases the underlying device resource
// and may be nil.
func NewTrack(local webrtc.TrackLocal, stop func()) *Track {
	return &Track{Local: local, ended: make(chan struct{}), stop: stop}
}

// Ended is closed when the device stops delivering media, whether by
// failure or release.
func (t *Track) Ended() <-chan struct{} { return t.ended }

// End marks the track as no longer delivering. Idempotent; called by
// the source.
func (t *Track) End() {
	t.endOnce.Do(func() { close(t.ended) })
}

// Stop releases the device resource and ends the track. Idempotent.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			t.stop()
		}
		t.End()
	})
}
