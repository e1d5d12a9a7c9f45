// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atrium-foundation/atrium/lib/codec"
)

// Compile-time interface check.
var _ Relay = (*HTTPRelay)(nil)

// contentTypeCBOR is the media type for envelope bodies on the relay
// HTTP API.
const contentTypeCBOR = "application/cbor"

// HTTPRelay speaks the relayd mailbox API: POST one CBOR envelope to
// /rooms/{room}/signals, GET the pending batch from the same path.
// Each call is one bounded round-trip; the manager owns retries.
type HTTPRelay struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRelay creates a relay client for the server at baseURL
// (scheme + host, no trailing slash required). timeout bounds each
// round-trip.
func NewHTTPRelay(baseURL string, timeout time.Duration) *HTTPRelay {
	return &HTTPRelay{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRelay) Send(ctx context.Context, envelope Envelope) error {
	body, err := codec.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding envelope %s: %w", envelope.ID, err)
	}

	endpoint := r.baseURL + "/rooms/" + url.PathEscape(envelope.RoomID) + "/signals"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	request.Header.Set("Content-Type", contentTypeCBOR)

	response, err := r.client.Do(request)
	if err != nil {
		return fmt.Errorf("sending envelope %s: %w", envelope.ID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK {
		return fmt.Errorf("relay rejected envelope %s: %s", envelope.ID, responseError(response))
	}
	return nil
}

func (r *HTTPRelay) Fetch(ctx context.Context, roomID, peerID string) ([]Envelope, error) {
	endpoint := r.baseURL + "/rooms/" + url.PathEscape(roomID) + "/signals?peer=" + url.QueryEscape(peerID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}
	request.Header.Set("Accept", contentTypeCBOR)

	response, err := r.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching signals for %s: %w", peerID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay fetch for %s failed: %s", peerID, responseError(response))
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading fetch response: %w", err)
	}

	var envelopes []Envelope
	if err := codec.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("decoding fetch response: %w", err)
	}
	return envelopes, nil
}

// responseError summarizes a non-success response for error wrapping.
// The body is truncated; relay errors are diagnostics, not data.
func responseError(response *http.Response) string {
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 256))
	if len(snippet) == 0 {
		return response.Status
	}
	return fmt.Sprintf("%s: %s", response.Status, snippet)
}
