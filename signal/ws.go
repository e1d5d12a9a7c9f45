// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Relay = (*WSRelay)(nil)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512 * 1024 // SDP offers run a few KB; leave headroom.
)

// Frame is one websocket message on the relayd /ws endpoint. The
// client opens with a hello frame identifying its mailbox; after
// that, both directions carry envelope frames.
type Frame struct {
	Kind     string    `json:"kind"` // "hello" or "envelope"
	Room     string    `json:"room,omitempty"`
	Peer     string    `json:"peer,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

const (
	FrameHello    = "hello"
	FrameEnvelope = "envelope"
)

// WSRelay is a push-mode Relay over a single websocket to relayd.
// The server pushes envelopes as they arrive; a background read pump
// buffers them and Fetch drains the buffer, preserving the Relay
// contract so the session manager cannot tell the transports apart.
//
// The websocket does not reconnect itself: a broken socket surfaces
// as Send/Fetch errors and the manager's adaptive polling and retry
// policy take over.
type WSRelay struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	buffered []Envelope
	readErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// DialWSRelay connects to a relayd websocket endpoint (for example
// "ws://relay.internal:7480/ws") and registers the (roomID, peerID)
// mailbox with a hello frame.
func DialWSRelay(ctx context.Context, endpoint, roomID, peerID string) (*WSRelay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay websocket: %w", err)
	}

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	relay := &WSRelay{
		conn: conn,
		done: make(chan struct{}),
	}

	hello := Frame{Kind: FrameHello, Room: roomID, Peer: peerID}
	if err := relay.writeFrame(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering relay mailbox: %w", err)
	}

	go relay.readPump()
	go relay.pingLoop()
	return relay, nil
}

func (r *WSRelay) Send(ctx context.Context, envelope Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("relay websocket closed")
	default:
	}

	frame := Frame{Kind: FrameEnvelope, Envelope: &envelope}
	if err := r.writeFrame(frame); err != nil {
		return fmt.Errorf("sending envelope %s: %w", envelope.ID, err)
	}
	return nil
}

// Fetch drains envelopes the read pump buffered since the previous
// call. Room and peer were fixed by the hello frame; the arguments
// only guard against cross-wiring.
func (r *WSRelay) Fetch(_ context.Context, roomID, peerID string) ([]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.readErr != nil && len(r.buffered) == 0 {
		return nil, fmt.Errorf("relay websocket read failed: %w", r.readErr)
	}

	var matched, rest []Envelope
	for _, envelope := range r.buffered {
		if envelope.RoomID == roomID && envelope.To == peerID {
			matched = append(matched, envelope)
		} else {
			rest = append(rest, envelope)
		}
	}
	r.buffered = rest
	return matched, nil
}

// Close tears the websocket down. Safe to call more than once.
func (r *WSRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *WSRelay) writeFrame(frame Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return r.conn.WriteJSON(frame)
}

func (r *WSRelay) readPump() {
	for {
		var frame Frame
		if err := r.conn.ReadJSON(&frame); err != nil {
			r.mu.Lock()
			r.readErr = err
			r.mu.Unlock()
			return
		}
		if frame.Kind != FrameEnvelope || frame.Envelope == nil {
			continue
		}
		r.mu.Lock()
		r.buffered = append(r.buffered, *frame.Envelope)
		r.mu.Unlock()
	}
}

func (r *WSRelay) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			r.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := r.conn.WriteMessage(websocket.PingMessage, nil)
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
