// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/atrium-foundation/atrium/peer"
)

// Event is the closed set of notifications a Manager delivers to its
// owner through Events().
type Event interface {
	sessionEvent()
}

// PeerStateChange reports a peer machine's phase transition.
type PeerStateChange struct {
	PeerID string
	Phase  peer.Phase
}

// TrackReceived reports an incoming remote media track.
type TrackReceived struct {
	PeerID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// CursorReceived carries one raw position frame from a peer's data
// channel. Decoding belongs to the cursor package.
type CursorReceived struct {
	PeerID string
	Data   []byte
}

// ChannelStateChange reports the cursor data channel opening or
// closing for one peer.
type ChannelStateChange struct {
	PeerID string
	Open   bool
}

// PeerDropped reports that a peer was evicted after exhausting its
// reconnect budget, or left the session.
type PeerDropped struct {
	PeerID string
	Reason string
}

// RelayStateChange reports the outcome of a relay health probe.
type RelayStateChange struct {
	Healthy bool
}

func (PeerStateChange) sessionEvent()    {}
func (TrackReceived) sessionEvent()      {}
func (CursorReceived) sessionEvent()     {}
func (ChannelStateChange) sessionEvent() {}
func (PeerDropped) sessionEvent()        {}
func (RelayStateChange) sessionEvent()   {}
