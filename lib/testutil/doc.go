// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds channel-oriented test helpers. The signaling
// core reports most state via channels (peer events, cursor updates),
// so tests spend their time waiting on channels; these helpers wrap
// the select-with-timeout safety valve so individual tests never call
// time.After directly.
package testutil
