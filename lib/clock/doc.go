// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the signaling core so that every
// interval-driven behavior (adaptive polling, heartbeats, reconnect
// backoff, capture grace windows, cursor throttling) is testable
// without real sleeps.
//
// Production code injects [Real]. Tests inject [Fake] and drive time
// explicitly with Advance, which fires pending timers and tickers in
// deadline order. WaitForTimers closes the race between a goroutine
// registering a timer and the test advancing past its deadline.
package clock
