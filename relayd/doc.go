// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package relayd implements the store-and-forward signal relay
// server. Each (room, peer) pair owns a mailbox; envelopes posted for
// a peer wait in its mailbox until fetched, and a fetch clears what
// it returns. Delivery is at-least-once: a client that times out
// mid-fetch may see the same envelope twice, which the signaling core
// tolerates by design.
//
// Two frontends share one [Store]: a CBOR-over-HTTP API
// (POST/GET /rooms/{room}/signals) for polling clients, and a
// websocket endpoint (/ws, JSON frames) that pushes envelopes to
// connected peers and falls back to the mailbox for absent ones.
//
// [MemoryStore] keeps mailboxes in process memory; [RedisStore] keeps
// them in Redis lists so multiple relayd instances can share state.
package relayd
