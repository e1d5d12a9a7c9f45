// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads runtime configuration for the signaling core
// and the relay server from a single file named by the ATRIUM_CONFIG
// environment variable or a --config flag. There is no automatic
// discovery and environment variables never override file values;
// configuration stays deterministic and auditable.
//
// Both YAML (.yaml/.yml) and JSONC (.json/.jsonc, comments allowed)
// files are accepted. Defaults apply first, then the file, then
// Validate enforces the interval floor/ceiling relationships the
// polling and reconnect logic depends on.
package config
