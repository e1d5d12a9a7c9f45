// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer implements the per-participant connection state
// machine. A [Conn] owns exactly one negotiated WebRTC connection to
// one remote participant: it applies local and remote descriptions,
// buffers trickled ICE candidates that arrive before the remote
// description, carries the borrowed local media tracks, and runs the
// cursor data channel.
//
// A Conn never talks to the relay and keeps no retry or reconnect
// state; the session manager owns all of that. Everything a Conn
// wants the outside world to know — phase changes, locally gathered
// candidates, remote tracks, data channel traffic — flows through a
// single owner-provided event channel, so there are no stored
// callbacks to fire against a torn-down owner.
//
// Phases move New → Negotiating → Connected, dip to Disconnected or
// Failed on trouble, and end at Closed. Closed is terminal: a Conn
// transitions into it at most once and ignores every mutation
// afterwards.
package peer
