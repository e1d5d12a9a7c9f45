// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atrium-foundation/atrium/lib/codec"
	"github.com/atrium-foundation/atrium/signal"
)

// maxEnvelopeBytes bounds a posted envelope. SDP offers with many
// candidates stay well under this.
const maxEnvelopeBytes = 1 << 20

// Server routes envelopes between peers. Envelopes for peers with a
// live websocket are pushed directly; everything else goes through
// the Store until the recipient polls or connects.
type Server struct {
	store  Store
	logger *slog.Logger

	upgrader websocket.Upgrader

	// subscribers maps room|peer to the websocket delivery channel of
	// the connected peer, if any.
	mu          sync.Mutex
	subscribers map[string]chan signal.Envelope
}

// NewServer creates a relay server over the given store.
func NewServer(store Store, logger *slog.Logger) *Server {
	return &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay does not authenticate participants; a deployment
			// that needs origin checks terminates them in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[string]chan signal.Envelope),
	}
}

// Handler returns the HTTP handler for the relay API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms/{room}/signals", s.handlePost)
	mux.HandleFunc("GET /rooms/{room}/signals", s.handleFetch)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve runs the relay on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("relay listening", "addr", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var envelope signal.Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if envelope.RoomID != roomID {
		http.Error(w, "envelope room does not match path", http.StatusBadRequest)
		return
	}
	if envelope.To == "" || envelope.From == "" || !envelope.Type.Valid() {
		http.Error(w, "incomplete envelope", http.StatusBadRequest)
		return
	}

	if err := s.deliver(r.Context(), envelope); err != nil {
		s.logger.Error("storing envelope failed",
			"envelope", envelope.ID,
			"room", roomID,
			"error", err,
		)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "peer query parameter required", http.StatusBadRequest)
		return
	}

	envelopes, err := s.store.Take(r.Context(), roomID, peerID)
	if err != nil {
		s.logger.Error("draining mailbox failed",
			"room", roomID,
			"peer", peerID,
			"error", err,
		)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if envelopes == nil {
		envelopes = []signal.Envelope{}
	}

	body, err := codec.Marshal(envelopes)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(body)
}

// deliver pushes the envelope to a connected websocket subscriber or
// stores it for later fetch. A subscriber whose delivery buffer is
// full gets the envelope through the store instead; slow consumers
// must not block the relay.
func (s *Server) deliver(ctx context.Context, envelope signal.Envelope) error {
	key := storeKey(envelope.RoomID, envelope.To)

	s.mu.Lock()
	subscriber := s.subscribers[key]
	s.mu.Unlock()

	if subscriber != nil {
		select {
		case subscriber <- envelope:
			return nil
		default:
		}
	}
	return s.store.Append(ctx, envelope)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response.
	}
	defer conn.Close()

	// The first frame must be a hello registering the mailbox.
	var hello signal.Frame
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != signal.FrameHello ||
		hello.Room == "" || hello.Peer == "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "hello frame required"),
			time.Now().Add(time.Second))
		return
	}
	conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(70 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	key := storeKey(hello.Room, hello.Peer)
	outbound := make(chan signal.Envelope, 64)

	s.mu.Lock()
	if _, taken := s.subscribers[key]; taken {
		s.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "mailbox already subscribed"),
			time.Now().Add(time.Second))
		return
	}
	s.subscribers[key] = outbound
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, key)
		s.mu.Unlock()

		// Envelopes buffered for the socket but never written stay
		// owned by the store, not the dead connection.
		var undelivered []signal.Envelope
		for {
			select {
			case envelope := <-outbound:
				undelivered = append(undelivered, envelope)
			default:
				s.requeue(undelivered)
				return
			}
		}
	}()

	s.logger.Info("peer subscribed", "room", hello.Room, "peer", hello.Peer)

	// Flush anything that queued up before the peer connected.
	backlog, err := s.store.Take(r.Context(), hello.Room, hello.Peer)
	if err != nil {
		s.logger.Warn("flushing mailbox backlog failed",
			"room", hello.Room, "peer", hello.Peer, "error", err)
	}

	done := make(chan struct{})
	go s.writePump(conn, backlog, outbound, done)

	// Read pump: inbound envelope frames are routed like HTTP posts.
	for {
		var frame signal.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			close(done)
			return
		}
		conn.SetReadDeadline(time.Now().Add(70 * time.Second))

		if frame.Kind != signal.FrameEnvelope || frame.Envelope == nil {
			continue
		}
		envelope := *frame.Envelope
		if envelope.To == "" || !envelope.Type.Valid() {
			continue // Skip garbage; never kill the batch or the socket.
		}
		if err := s.deliver(r.Context(), envelope); err != nil {
			s.logger.Error("routing websocket envelope failed",
				"envelope", envelope.ID, "error", err)
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, backlog []signal.Envelope, outbound <-chan signal.Envelope, done <-chan struct{}) {
	write := func(envelope signal.Envelope) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(signal.Frame{Kind: signal.FrameEnvelope, Envelope: &envelope})
	}

	for i, envelope := range backlog {
		if err := write(envelope); err != nil {
			s.requeue(backlog[i:])
			return
		}
	}
	for {
		select {
		case <-done:
			return
		case envelope := <-outbound:
			if err := write(envelope); err != nil {
				s.requeue([]signal.Envelope{envelope})
				return
			}
		}
	}
}

// requeue returns undelivered envelopes to the store. An envelope is
// only consumed by a successful write or fetch; a dying socket hands
// its remainder back. Runs after the subscriber's request context is
// gone, so it carries its own deadline.
func (s *Server) requeue(envelopes []signal.Envelope) {
	if len(envelopes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, envelope := range envelopes {
		if err := s.store.Append(ctx, envelope); err != nil {
			s.logger.Error("requeueing undelivered envelope failed",
				"envelope", envelope.ID, "room", envelope.RoomID, "peer", envelope.To,
				"error", err)
		}
	}
}

// String implements fmt.Stringer for logs.
func (s *Server) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("relayd(%d subscribers)", len(s.subscribers))
}
