// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package peer

// Phase is the lifecycle position of one peer connection.
type Phase int

const (
	// PhaseNew is a freshly created machine with no negotiation yet.
	PhaseNew Phase = iota

	// PhaseNegotiating means an offer or answer is in flight.
	PhaseNegotiating

	// PhaseConnected means the transport reports established
	// connectivity.
	PhaseConnected

	// PhaseDisconnected is a transient loss; reconnection may bring
	// the connection back to PhaseNegotiating.
	PhaseDisconnected

	// PhaseFailed is an unrecoverable negotiation error; the manager
	// decides between reconnect and eviction.
	PhaseFailed

	// PhaseClosed is terminal. A connection enters it at most once
	// and accepts no further mutation.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}
