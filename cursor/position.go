// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Position is one pointer sample in normalized [0,1] coordinates, so
// viewers with different resolutions place it correctly.
type Position struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`

	// Visible is false while the pointer is outside the shared
	// surface.
	Visible bool `msgpack:"v"`

	// Seq orders samples from one sender; receivers drop frames older
	// than the newest seen.
	Seq uint64 `msgpack:"s"`

	SentAt time.Time `msgpack:"t"`
}

// EncodePosition renders p as a compact data-channel frame.
func EncodePosition(p Position) ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding position: %w", err)
	}
	return data, nil
}

// DecodePosition parses a data-channel frame.
func DecodePosition(data []byte) (Position, error) {
	var p Position
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("decoding position: %w", err)
	}
	return p, nil
}
