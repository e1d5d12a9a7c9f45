// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/atrium-foundation/atrium/signal"
)

// Event is a notification from a Conn to its owner. The set is
// closed; the manager's dispatch switches exhaustively.
type Event interface {
	peerEvent()
}

// PhaseChange reports a lifecycle transition. Emitted for every
// transition, including the final one to PhaseClosed.
type PhaseChange struct {
	PeerID string
	Phase  Phase
}

// LocalCandidate is a trickled ICE candidate gathered locally; the
// manager forwards it to the remote side as an ice-candidate signal.
type LocalCandidate struct {
	PeerID    string
	Candidate signal.Candidate
}

// RemoteTrack reports an inbound media track from the peer.
type RemoteTrack struct {
	PeerID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// ChannelOpen reports the cursor data channel reaching open.
type ChannelOpen struct {
	PeerID string
}

// ChannelClosed reports the cursor data channel closing.
type ChannelClosed struct {
	PeerID string
}

// ChannelMessage is one inbound cursor frame.
type ChannelMessage struct {
	PeerID string
	Data   []byte
}

func (PhaseChange) peerEvent()    {}
func (LocalCandidate) peerEvent() {}
func (RemoteTrack) peerEvent()    {}
func (ChannelOpen) peerEvent()    {}
func (ChannelClosed) peerEvent()  {}
func (ChannelMessage) peerEvent() {}
