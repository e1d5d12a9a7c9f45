// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atrium-foundation/atrium/lib/codec"
)

// Type identifies the kind of signal an envelope carries.
type Type string

const (
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeHeartbeat         Type = "heartbeat"
	TypeHeartbeatResponse Type = "heartbeat-response"
)

// Valid reports whether t is one of the defined signal types.
func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeHeartbeat, TypeHeartbeatResponse:
		return true
	}
	return false
}

// Envelope is one signaling message routed through the relay. The
// relay is the only durable store, and only until first delivery.
type Envelope struct {
	// ID is assigned at creation and lets receivers and stores treat
	// redelivery as a no-op.
	ID string `cbor:"id" json:"id"`

	RoomID string `cbor:"room_id" json:"room_id"`
	From   string `cbor:"from" json:"from"`
	To     string `cbor:"to" json:"to"`
	Type   Type   `cbor:"type" json:"type"`

	// SentAt is stamped by the sender from its injected clock.
	SentAt time.Time `cbor:"sent_at" json:"sent_at"`

	// Payload is the CBOR-encoded signal body; Decode interprets it
	// according to Type.
	Payload codec.RawMessage `cbor:"payload" json:"payload"`
}

// Payload is the closed set of signal bodies. Only the five types in
// this package implement it.
type Payload interface {
	signalType() Type
}

// Offer carries a local SDP offer. Trickle ICE: candidates follow in
// separate Candidate envelopes.
type Offer struct {
	SDP string `cbor:"sdp"`
}

// Answer carries the SDP answer to a previously received offer.
type Answer struct {
	SDP string `cbor:"sdp"`
}

// Candidate carries one trickled ICE candidate. Fields mirror the
// WebRTC candidate-init shape so the peer package can apply them
// directly.
type Candidate struct {
	Candidate     string  `cbor:"candidate"`
	SDPMid        *string `cbor:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `cbor:"sdp_mline_index,omitempty"`
}

// Heartbeat is a liveness probe. At is the sender's clock reading.
type Heartbeat struct {
	At time.Time `cbor:"at"`
}

// HeartbeatResponse answers a Heartbeat. Echo is the probed
// Heartbeat's At value.
type HeartbeatResponse struct {
	Echo time.Time `cbor:"echo"`
}

func (Offer) signalType() Type             { return TypeOffer }
func (Answer) signalType() Type            { return TypeAnswer }
func (Candidate) signalType() Type         { return TypeICECandidate }
func (Heartbeat) signalType() Type         { return TypeHeartbeat }
func (HeartbeatResponse) signalType() Type { return TypeHeartbeatResponse }

// NewEnvelope builds an envelope around payload, assigning a fresh ID
// and stamping sentAt.
func NewEnvelope(roomID, from, to string, payload Payload, sentAt time.Time) (Envelope, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", payload.signalType(), err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		RoomID:  roomID,
		From:    from,
		To:      to,
		Type:    payload.signalType(),
		SentAt:  sentAt,
		Payload: body,
	}, nil
}

// Decode interprets the payload according to the envelope type. An
// unknown or malformed envelope yields an error the dispatcher skips
// per-envelope; decoding never panics on garbage.
func (e Envelope) Decode() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypeOffer:
		p = &Offer{}
	case TypeAnswer:
		p = &Answer{}
	case TypeICECandidate:
		p = &Candidate{}
	case TypeHeartbeat:
		p = &Heartbeat{}
	case TypeHeartbeatResponse:
		p = &HeartbeatResponse{}
	default:
		return nil, fmt.Errorf("unknown signal type %q in envelope %s", e.Type, e.ID)
	}
	if err := e.decodeInto(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e Envelope) decodeInto(p any) error {
	if err := codec.Unmarshal(e.Payload, p); err != nil {
		return fmt.Errorf("decoding %s payload of envelope %s: %w", e.Type, e.ID, err)
	}
	return nil
}
