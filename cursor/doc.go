// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package cursor moves pointer positions between participants over
// whichever path currently works: the peer data channels when at
// least one is open, a persistence store otherwise.
//
// The transport is lossy on purpose. Positions supersede each other,
// so a dropped frame costs nothing as long as the latest one
// eventually lands; the invariant the package does guarantee is that
// no position is silently lost at a path switch. The frame that
// discovers all channels gone is itself written to the store, and the
// last known position is rebroadcast when channels come back.
package cursor
