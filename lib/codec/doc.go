// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration for the module.
// Signal envelopes, relay HTTP bodies, and Redis mailbox entries all
// encode through here so the same logical value always produces the
// same bytes (Core Deterministic Encoding, RFC 8949 §4.2) and unknown
// fields decode forward-compatibly.
//
// Consumers import only this package, never fxamacker/cbor directly.
package codec
