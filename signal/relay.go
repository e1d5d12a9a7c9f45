// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import "context"

// Relay is the narrow store-and-forward interface the signaling
// manager drives. Implementations hold no retry logic and no
// per-conversation state beyond what the underlying transport needs;
// delivery is at-least-once and callers must tolerate duplicates.
type Relay interface {
	// Send hands one envelope to the relay for delivery to
	// envelope.To.
	Send(ctx context.Context, envelope Envelope) error

	// Fetch returns the envelopes addressed to peerID in roomID that
	// arrived since the last Fetch, clearing them from the relay.
	Fetch(ctx context.Context, roomID, peerID string) ([]Envelope, error)
}
