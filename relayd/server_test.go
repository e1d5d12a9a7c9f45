// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/lib/codec"
	"github.com/atrium-foundation/atrium/signal"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	server := NewServer(
		NewMemoryStore(clock.Real(), time.Minute),
		slog.New(slog.NewJSONHandler(io.Discard, nil)),
	)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func TestHTTPRelayRoundTrip(t *testing.T) {
	_, httpServer := testServer(t)
	relay := signal.NewHTTPRelay(httpServer.URL, 5*time.Second)
	ctx := context.Background()

	sent, err := signal.NewEnvelope("room-1", "alice", "bob", signal.Offer{SDP: "v=0 offer"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := relay.Send(ctx, sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := relay.Fetch(ctx, "room-1", "bob")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != sent.ID {
		t.Fatalf("Fetch = %v, want the sent envelope", got)
	}
	payload, err := got[0].Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if offer, ok := payload.(*signal.Offer); !ok || offer.SDP != "v=0 offer" {
		t.Errorf("payload = %#v, want the original offer", payload)
	}

	// Mailbox cleared by the fetch.
	got, err = relay.Fetch(ctx, "room-1", "bob")
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second Fetch returned %d envelopes, want 0", len(got))
	}
}

func TestPostRejectsMismatchedRoom(t *testing.T) {
	_, httpServer := testServer(t)

	envelope, _ := signal.NewEnvelope("room-other", "alice", "bob", signal.Offer{SDP: "x"}, time.Now().UTC())
	body, err := codec.Marshal(envelope)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	response, err := http.Post(httpServer.URL+"/rooms/room-1/signals", "application/cbor", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a room/path mismatch", response.StatusCode)
	}
}

func TestWSRelayPushAndSend(t *testing.T) {
	_, httpServer := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	ctx := context.Background()

	bobRelay, err := signal.DialWSRelay(ctx, wsURL, "room-1", "bob")
	if err != nil {
		t.Fatalf("DialWSRelay(bob) failed: %v", err)
	}
	defer bobRelay.Close()

	aliceRelay, err := signal.DialWSRelay(ctx, wsURL, "room-1", "alice")
	if err != nil {
		t.Fatalf("DialWSRelay(alice) failed: %v", err)
	}
	defer aliceRelay.Close()

	sent, _ := signal.NewEnvelope("room-1", "alice", "bob", signal.Heartbeat{At: time.Now().UTC()}, time.Now().UTC())
	if err := aliceRelay.Send(ctx, sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The push is asynchronous; poll Fetch briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := bobRelay.Fetch(ctx, "room-1", "bob")
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if len(got) == 1 && got[0].ID == sent.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pushed envelope never reached bob's buffer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSRelayFlushesBacklogOnConnect(t *testing.T) {
	_, httpServer := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	httpRelay := signal.NewHTTPRelay(httpServer.URL, 5*time.Second)
	ctx := context.Background()

	// Queue an envelope for bob before bob connects.
	queued, _ := signal.NewEnvelope("room-1", "alice", "bob", signal.Offer{SDP: "backlog"}, time.Now().UTC())
	if err := httpRelay.Send(ctx, queued); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	bobRelay, err := signal.DialWSRelay(ctx, wsURL, "room-1", "bob")
	if err != nil {
		t.Fatalf("DialWSRelay failed: %v", err)
	}
	defer bobRelay.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := bobRelay.Fetch(ctx, "room-1", "bob")
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if len(got) == 1 && got[0].ID == queued.ID {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("backlog envelope never flushed to the websocket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// wsServerConn upgrades one websocket and returns the server side,
// keeping the client alive for the test's duration.
func wsServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-conns
}

// An envelope already taken from the store for a backlog flush must
// survive the socket dying before the write; it goes back to the
// store for the next fetch.
func TestWritePumpRequeuesUndeliveredBacklog(t *testing.T) {
	server, _ := testServer(t)
	conn := wsServerConn(t)
	conn.Close()

	first, _ := signal.NewEnvelope("room-1", "alice", "bob", signal.Offer{SDP: "one"}, time.Now().UTC())
	second, _ := signal.NewEnvelope("room-1", "alice", "bob", signal.Offer{SDP: "two"}, time.Now().UTC())

	done := make(chan struct{})
	close(done)
	server.writePump(conn, []signal.Envelope{first, second}, make(chan signal.Envelope), done)

	got, err := server.store.Take(context.Background(), "room-1", "bob")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("requeued %d envelopes (%v), want both in order", len(got), got)
	}
}

// An envelope consumed from the live delivery channel gets the same
// treatment when the write fails.
func TestWritePumpRequeuesFailedLiveWrite(t *testing.T) {
	server, _ := testServer(t)
	conn := wsServerConn(t)
	conn.Close()

	envelope, _ := signal.NewEnvelope("room-1", "alice", "bob", signal.Candidate{Candidate: "c"}, time.Now().UTC())
	outbound := make(chan signal.Envelope, 1)
	outbound <- envelope

	server.writePump(conn, nil, outbound, make(chan struct{}))

	got, err := server.store.Take(context.Background(), "room-1", "bob")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != envelope.ID {
		t.Fatalf("requeued %v, want the failed envelope", got)
	}
}

func TestDeliverFallsBackToStoreWhenUnsubscribed(t *testing.T) {
	server, _ := testServer(t)
	ctx := context.Background()

	envelope, _ := signal.NewEnvelope("room-1", "alice", "ghost", signal.Answer{SDP: "a"}, time.Now().UTC())
	if err := server.deliver(ctx, envelope); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	got, err := server.store.Take(ctx, "room-1", "ghost")
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored %d envelopes, want 1", len(got))
	}
}
