// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/atrium-foundation/atrium/capture"
)

// A dead capture source must end the session; recoverable events must
// not.
func TestHandleCaptureEventEndsSessionOnSourceFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := handleCaptureEvent(logger, capture.StateChange{Phase: capture.PhaseActive}); err != nil {
		t.Fatalf("StateChange returned %v, want nil", err)
	}
	if err := handleCaptureEvent(logger, capture.SourceRecovered{}); err != nil {
		t.Fatalf("SourceRecovered returned %v, want nil", err)
	}

	cause := &capture.Error{Kind: capture.KindDeviceUnreadable, Device: "screen", Err: errors.New("gone")}
	err := handleCaptureEvent(logger, capture.SourceFailed{Err: cause})
	if err == nil {
		t.Fatal("SourceFailed returned nil, want session shutdown error")
	}
	var captureErr *capture.Error
	if !errors.As(err, &captureErr) {
		t.Fatalf("error %v does not wrap the capture failure", err)
	}
}
