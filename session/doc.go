// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs the signaling manager: the orchestrator that
// owns one peer connection state machine per remote participant and
// drives them from relay traffic.
//
// The manager runs three loops. The poll loop fetches envelopes from
// the relay on an adaptive interval that resets to its base whenever
// traffic arrives and backs off toward a ceiling while the mailbox is
// quiet. The heartbeat loop probes every connected peer at half the
// liveness timeout and declares a connection dead after two timeouts
// of silence. The event loop drains notifications from the peer
// machines, trickling local candidates out through the relay and
// forwarding everything else to the owner.
//
// Outbound signals retry with exponential backoff; exhausting the
// retry budget triggers a relay health probe so the owner learns the
// difference between a dead peer and a dead relay. Dead or failed
// connections reconnect with exponential backoff and are evicted once
// the attempt budget runs out.
package session
