// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the envelope format exchanged through the
// store-and-forward relay and the thin [Relay] client interface the
// signaling manager drives.
//
// An [Envelope] carries one signal (offer, answer, ICE candidate,
// heartbeat, or heartbeat response) from one participant to another
// within a room. Payloads form a closed sum: [Envelope.Decode]
// dispatches exhaustively on the signal [Type], so a new signal kind
// cannot be silently mishandled. Envelopes carry a unique ID and are
// safe to reprocess — the relay guarantees at-least-once delivery,
// nothing more.
//
// Relay implementations are deliberately stateless and retry-free;
// retry, backoff, and health escalation belong to the session
// manager. [MemoryRelay] is the in-process implementation for tests,
// [HTTPRelay] speaks CBOR over HTTP to a relayd server, and [WSRelay]
// holds a websocket to relayd's /ws endpoint and buffers pushed
// envelopes between Fetch calls.
package signal
