// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/atrium-foundation/atrium/lib/clock"
	"github.com/atrium-foundation/atrium/lib/config"
	"github.com/atrium-foundation/atrium/peer"
	"github.com/atrium-foundation/atrium/signal"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("session: manager closed")

// Options configures a Manager. Relay, Directory, SelfID, and RoomID
// are required; zero Clock and Logger get working defaults.
type Options struct {
	SelfID    string
	RoomID    string
	Relay     signal.Relay
	Directory Directory

	// Peer is handed to every peer connection machine.
	Peer peer.Config

	// Session holds the polling, retry, heartbeat, and reconnect
	// tunables. Zero values are filled from config.Default().
	Session config.SessionConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

// peerState is the manager's bookkeeping around one peer machine.
type peerState struct {
	conn *peer.Conn

	// lastHeartbeat is the newest proof of life: connection
	// establishment or heartbeat traffic in either direction. While
	// the connection is short of Connected it marks the start of the
	// current establishment window instead.
	lastHeartbeat time.Time

	reconnectAttempts int
	reconnectTimer    *clock.Timer
}

// Manager owns the peer connection machines for one room and drives
// them from relay traffic.
type Manager struct {
	selfID     string
	roomID     string
	relay      signal.Relay
	directory  Directory
	clk        clock.Clock
	logger     *slog.Logger
	peerConfig peer.Config
	settings   config.SessionConfig

	events     chan Event
	connEvents chan peer.Event

	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu             sync.Mutex
	closed         bool
	peers          map[string]*peerState
	localTracks    []webrtc.TrackLocal
	relayUnhealthy bool
}

// NewManager builds a Manager. Call Start to begin polling.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.SelfID == "":
		return nil, errors.New("session: SelfID is required")
	case opts.RoomID == "":
		return nil, errors.New("session: RoomID is required")
	case opts.Relay == nil:
		return nil, errors.New("session: Relay is required")
	case opts.Directory == nil:
		return nil, errors.New("session: Directory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.PollBase.D() == 0 {
		opts.Session = config.Default().Session
	}
	if opts.Session.EstablishTimeout.D() == 0 {
		opts.Session.EstablishTimeout = config.Default().Session.EstablishTimeout
	}

	return &Manager{
		selfID:     opts.SelfID,
		roomID:     opts.RoomID,
		relay:      opts.Relay,
		directory:  opts.Directory,
		clk:        opts.Clock,
		logger:     opts.Logger.With("room", opts.RoomID, "self", opts.SelfID),
		peerConfig: opts.Peer,
		settings:   opts.Session,
		events:     make(chan Event, 256),
		connEvents: make(chan peer.Event, 256),
		done:       make(chan struct{}),
		peers:      make(map[string]*peerState),
	}, nil
}

// Events delivers the manager's notifications. The channel is
// buffered; a persistently absent reader loses events rather than
// stalling signaling.
func (m *Manager) Events() <-chan Event { return m.events }

// Start launches the poll, heartbeat, and event loops. The loops stop
// when ctx is canceled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.eventLoop(ctx)
	}()
}

// StartSharing attaches the local media and offers it to every
// participant already in the room. Participants who join later
// announce themselves by offering.
func (m *Manager) StartSharing(ctx context.Context, tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.localTracks = tracks
	existing := m.snapshotLocked()
	m.mu.Unlock()

	for _, st := range existing {
		st.conn.AttachLocalTracks(tracks)
	}

	participants, err := m.directory.ListActiveParticipants(ctx, m.roomID)
	if err != nil {
		return fmt.Errorf("listing participants: %w", err)
	}

	for _, peerID := range participants {
		if peerID == m.selfID {
			continue
		}
		st := m.ensurePeer(peerID)
		if st == nil {
			return ErrClosed
		}
		offer, err := st.conn.StartOffer()
		if err != nil {
			m.logger.Error("offer failed", "peer", peerID, "error", err)
			continue
		}
		go m.deliver(ctx, peerID, offer)
	}
	return nil
}

// ReplaceTracks swaps the outgoing media on every live connection,
// for source changes mid-session.
func (m *Manager) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.localTracks = tracks
	peers := m.snapshotLocked()
	m.mu.Unlock()

	var errs []error
	for _, st := range peers {
		if err := st.conn.ReplaceLocalTracks(tracks); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", st.conn.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastCursor sends one position frame to every peer whose cursor
// channel is open and reports how many received it. Zero means the
// caller should persist the position instead.
func (m *Manager) BroadcastCursor(data []byte) int {
	m.mu.Lock()
	peers := m.snapshotLocked()
	m.mu.Unlock()

	delivered := 0
	for _, st := range peers {
		if err := st.conn.SendCursor(data); err == nil {
			delivered++
		}
	}
	return delivered
}

// OpenChannels reports how many peers currently have an open cursor
// channel.
func (m *Manager) OpenChannels() int {
	m.mu.Lock()
	peers := m.snapshotLocked()
	m.mu.Unlock()

	open := 0
	for _, st := range peers {
		if st.conn.ChannelReady() {
			open++
		}
	}
	return open
}

// Peers returns the IDs of all tracked peer machines.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the loops and tears down every peer machine. Safe to
// call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		peers := m.snapshotLocked()
		m.peers = make(map[string]*peerState)
		for _, st := range peers {
			if st.reconnectTimer != nil {
				st.reconnectTimer.Stop()
			}
		}
		m.mu.Unlock()

		// Closing done first keeps peer machines from blocking on
		// event delivery during teardown.
		close(m.done)
		if m.cancel != nil {
			m.cancel()
		}
		for _, st := range peers {
			st.conn.Close()
		}
		m.wg.Wait()
	})
	return nil
}

// --- loops ---

// pollLoop fetches envelopes on an adaptive interval. Failures
// stretch the interval toward the ceiling; successes divide the
// backoff out again, down to the base.
func (m *Manager) pollLoop(ctx context.Context) {
	interval := m.settings.PollBase.D()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(interval):
		}

		if _, err := m.pollOnce(ctx); err != nil {
			m.logger.Warn("relay poll failed", "error", err)
			interval = m.stretchInterval(interval)
		} else {
			interval = m.shrinkInterval(interval)
		}
	}
}

func (m *Manager) stretchInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * m.settings.PollBackoff)
	if ceiling := m.settings.PollCeiling.D(); next > ceiling {
		next = ceiling
	}
	if base := m.settings.PollBase.D(); next < base {
		next = base
	}
	return next
}

func (m *Manager) shrinkInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) / m.settings.PollBackoff)
	if base := m.settings.PollBase.D(); next < base {
		next = base
	}
	return next
}

// pollOnce drains the mailbox and dispatches every envelope. Also
// serves as the relay health probe.
func (m *Manager) pollOnce(ctx context.Context) (int, error) {
	envelopes, err := m.relay.Fetch(ctx, m.roomID, m.selfID)
	if err != nil {
		return 0, err
	}
	m.setRelayHealth(true)
	for _, envelope := range envelopes {
		m.handleEnvelope(ctx, envelope)
	}
	return len(envelopes), nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := m.clk.NewTicker(m.settings.HeartbeatTimeout.D() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.heartbeatTick(ctx, now)
		}
	}
}

// heartbeatTick probes every connected peer, declares dead the ones
// silent for two full timeouts, and times out connections still short
// of Connected past the establishment window.
func (m *Manager) heartbeatTick(ctx context.Context, now time.Time) {
	timeout := m.settings.HeartbeatTimeout.D()
	establish := m.settings.EstablishTimeout.D()

	m.mu.Lock()
	var probe, dead, stuck []string
	for peerID, st := range m.peers {
		if st.conn.Phase() != peer.PhaseConnected {
			if now.Sub(st.lastHeartbeat) >= establish {
				// Restart the window so each reconnect attempt
				// gets a full establishment budget.
				st.lastHeartbeat = now
				stuck = append(stuck, peerID)
			}
			continue
		}
		if now.Sub(st.lastHeartbeat) >= 2*timeout {
			dead = append(dead, peerID)
			continue
		}
		probe = append(probe, peerID)
	}
	m.mu.Unlock()

	for _, peerID := range probe {
		go m.deliver(ctx, peerID, signal.Heartbeat{At: now})
	}
	for _, peerID := range dead {
		m.logger.Warn("peer heartbeat lost", "peer", peerID)
		m.scheduleReconnect(ctx, peerID, "heartbeat timeout")
	}
	for _, peerID := range stuck {
		m.logger.Warn("connection establishment timed out", "peer", peerID)
		m.scheduleReconnect(ctx, peerID, "establishment timeout")
	}
}

// eventLoop fans peer machine notifications out: candidates go to the
// relay, everything else to the owner.
func (m *Manager) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.connEvents:
			switch e := event.(type) {
			case peer.PhaseChange:
				m.handlePhaseChange(ctx, e)
				m.emit(PeerStateChange{PeerID: e.PeerID, Phase: e.Phase})
			case peer.LocalCandidate:
				go m.deliver(ctx, e.PeerID, e.Candidate)
			case peer.RemoteTrack:
				m.emit(TrackReceived{PeerID: e.PeerID, Track: e.Track, Receiver: e.Receiver})
			case peer.ChannelOpen:
				m.emit(ChannelStateChange{PeerID: e.PeerID, Open: true})
			case peer.ChannelClosed:
				m.emit(ChannelStateChange{PeerID: e.PeerID, Open: false})
			case peer.ChannelMessage:
				m.emit(CursorReceived{PeerID: e.PeerID, Data: e.Data})
			}
		}
	}
}

// --- envelope dispatch ---

// handleEnvelope routes one envelope. A malformed envelope is logged
// and skipped so one bad message cannot wedge the session.
func (m *Manager) handleEnvelope(ctx context.Context, envelope signal.Envelope) {
	if envelope.To != "" && envelope.To != m.selfID {
		return
	}
	payload, err := envelope.Decode()
	if err != nil {
		m.logger.Warn("skipping malformed envelope",
			"id", envelope.ID, "type", envelope.Type, "from", envelope.From, "error", err)
		return
	}

	switch p := payload.(type) {
	case *signal.Offer:
		m.handleOffer(ctx, envelope.From, *p)
	case *signal.Answer:
		m.handleAnswer(envelope.From, *p)
	case *signal.Candidate:
		m.handleCandidate(envelope.From, *p)
	case *signal.Heartbeat:
		// A heartbeat is proof of life even when our own probes are
		// being lost on the way out.
		m.recordHeartbeat(envelope.From)
		go m.deliver(ctx, envelope.From, signal.HeartbeatResponse{Echo: p.At})
	case *signal.HeartbeatResponse:
		m.recordHeartbeat(envelope.From)
	}
}

func (m *Manager) handleOffer(ctx context.Context, from string, offer signal.Offer) {
	st := m.ensurePeer(from)
	if st == nil {
		return
	}

	// Offer glare: when both sides offered at once, the
	// lexicographically smaller peer's offer wins and the other side
	// yields its own negotiation.
	if st.conn.Phase() == peer.PhaseNegotiating && from > m.selfID {
		m.logger.Debug("offer glare, keeping local offer", "peer", from)
		return
	}

	answer, err := st.conn.HandleOffer(offer)
	if err != nil {
		m.logger.Error("answering offer failed", "peer", from, "error", err)
		return
	}
	go m.deliver(ctx, from, answer)
}

func (m *Manager) handleAnswer(from string, answer signal.Answer) {
	m.mu.Lock()
	st := m.peers[from]
	m.mu.Unlock()
	if st == nil {
		m.logger.Debug("answer from unknown peer", "peer", from)
		return
	}
	if err := st.conn.HandleAnswer(answer); err != nil {
		m.logger.Error("applying answer failed", "peer", from, "error", err)
	}
}

func (m *Manager) handleCandidate(from string, candidate signal.Candidate) {
	st := m.ensurePeer(from)
	if st == nil {
		return
	}
	if err := st.conn.AddRemoteCandidate(candidate); err != nil {
		m.logger.Warn("candidate rejected", "peer", from, "error", err)
	}
}

func (m *Manager) recordHeartbeat(from string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.peers[from]; st != nil {
		st.lastHeartbeat = m.clk.Now()
	}
}

// --- peer lifecycle ---

// ensurePeer returns the state for peerID, creating the machine on
// first contact. Returns nil once the manager is closed.
func (m *Manager) ensurePeer(peerID string) *peerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if st, ok := m.peers[peerID]; ok {
		return st
	}

	conn := peer.NewConn(m.roomID, peerID, m.peerConfig, m.connEvents, m.done, m.logger)
	if len(m.localTracks) > 0 {
		conn.AttachLocalTracks(m.localTracks)
	}
	st := &peerState{conn: conn, lastHeartbeat: m.clk.Now()}
	m.peers[peerID] = st
	return st
}

func (m *Manager) handlePhaseChange(ctx context.Context, change peer.PhaseChange) {
	switch change.Phase {
	case peer.PhaseConnected:
		m.mu.Lock()
		if st := m.peers[change.PeerID]; st != nil {
			st.reconnectAttempts = 0
			st.lastHeartbeat = m.clk.Now()
			if st.reconnectTimer != nil {
				st.reconnectTimer.Stop()
				st.reconnectTimer = nil
			}
		}
		m.mu.Unlock()
	case peer.PhaseFailed:
		m.scheduleReconnect(ctx, change.PeerID, "transport failed")
	case peer.PhaseDisconnected:
		// ICE may recover on its own first; a Connected transition
		// before the timer fires cancels the attempt.
		m.scheduleReconnect(ctx, change.PeerID, "transport disconnected")
	}
}

// scheduleReconnect books a backed-off reconnect attempt, evicting
// the peer once the attempt budget is spent.
func (m *Manager) scheduleReconnect(ctx context.Context, peerID, reason string) {
	m.mu.Lock()
	st := m.peers[peerID]
	if st == nil || m.closed || st.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}

	st.reconnectAttempts++
	if st.reconnectAttempts > m.settings.ReconnectMaxAttempts {
		conn := st.conn
		delete(m.peers, peerID)
		m.mu.Unlock()

		conn.Close()
		m.logger.Warn("evicting peer", "peer", peerID, "reason", reason)
		m.emit(PeerDropped{PeerID: peerID, Reason: reason})
		return
	}

	delay := m.settings.ReconnectBase.D() << (st.reconnectAttempts - 1)
	if ceiling := m.settings.ReconnectMax.D(); delay > ceiling {
		delay = ceiling
	}
	attempt := st.reconnectAttempts
	st.reconnectTimer = m.clk.AfterFunc(delay, func() {
		m.reconnect(ctx, peerID)
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		"peer", peerID, "attempt", attempt, "delay", delay, "reason", reason)
}

// reconnect re-offers to peerID. A side without local media stays
// passive and waits for the remote side to offer again.
func (m *Manager) reconnect(ctx context.Context, peerID string) {
	m.mu.Lock()
	st := m.peers[peerID]
	if st == nil || m.closed {
		m.mu.Unlock()
		return
	}
	st.reconnectTimer = nil
	haveTracks := len(m.localTracks) > 0
	conn := st.conn
	m.mu.Unlock()

	if !haveTracks {
		return
	}
	offer, err := conn.StartOffer()
	if err != nil {
		m.logger.Error("reconnect offer failed", "peer", peerID, "error", err)
		return
	}
	go m.deliver(ctx, peerID, offer)
}

// --- outbound delivery ---

// deliver wraps payload in an envelope and sends it with retries,
// logging rather than propagating failure. Callers fire and forget.
func (m *Manager) deliver(ctx context.Context, to string, payload signal.Payload) {
	if err := m.sendSignal(ctx, to, payload); err != nil {
		m.logger.Warn("signal delivery failed", "peer", to, "error", err)
		m.checkPeerHealth(ctx, to)
	}
}

// checkPeerHealth escalates a lost signal to the peer machine. A peer
// short of Connected cannot make progress without the signal, so the
// reconnect path takes over rather than leaving it in negotiation
// indefinitely. A connected peer is left to the heartbeat loop.
func (m *Manager) checkPeerHealth(ctx context.Context, peerID string) {
	m.mu.Lock()
	st := m.peers[peerID]
	m.mu.Unlock()
	if st == nil || st.conn.Phase() == peer.PhaseConnected {
		return
	}
	m.scheduleReconnect(ctx, peerID, "signal delivery failed")
}

// sendSignal attempts delivery up to SendRetryMax times with doubling
// backoff. Exhaustion triggers a relay health probe so the owner can
// distinguish relay trouble from peer trouble; deliver escalates the
// failure to the peer machine on top of that.
func (m *Manager) sendSignal(ctx context.Context, to string, payload signal.Payload) error {
	envelope, err := signal.NewEnvelope(m.roomID, m.selfID, to, payload, m.clk.Now())
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < m.settings.SendRetryMax; attempt++ {
		if attempt > 0 {
			delay := m.settings.SendRetryBase.D() << (attempt - 1)
			select {
			case <-m.clk.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return ErrClosed
			}
		}
		if lastErr = m.relay.Send(ctx, envelope); lastErr == nil {
			m.setRelayHealth(true)
			return nil
		}
	}

	m.probeRelayHealth(ctx)
	return fmt.Errorf("sending %s to %s after %d attempts: %w",
		envelope.Type, to, m.settings.SendRetryMax, lastErr)
}

// probeRelayHealth checks whether the relay answers at all after a
// delivery gave up. The probe is a real poll so any envelopes it
// happens to drain are still dispatched.
func (m *Manager) probeRelayHealth(ctx context.Context) {
	if _, err := m.pollOnce(ctx); err != nil {
		m.setRelayHealth(false)
	}
}

// setRelayHealth emits RelayStateChange on edges only.
func (m *Manager) setRelayHealth(healthy bool) {
	m.mu.Lock()
	changed := m.relayUnhealthy == healthy
	m.relayUnhealthy = !healthy
	m.mu.Unlock()
	if changed {
		m.emit(RelayStateChange{Healthy: healthy})
	}
}

func (m *Manager) snapshotLocked() []*peerState {
	peers := make([]*peerState, 0, len(m.peers))
	for _, st := range m.peers {
		peers = append(peers, st)
	}
	return peers
}

// emit hands an event to the owner without blocking the loops.
func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("event buffer full, dropping", "event", fmt.Sprintf("%T", event))
	}
}
