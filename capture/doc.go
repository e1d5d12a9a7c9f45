// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture manages the local media stream's lifecycle: device
// acquisition, the grace window that absorbs spurious track-ended
// events right after acquisition, automatic reacquisition when the
// device genuinely fails mid-session, and release on every exit path.
//
// The actual device access lives behind the Source interface; the
// controller only sequences it. Platform bindings implement Source,
// tests script it.
package capture
