// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/atrium-foundation/atrium/signal"
)

// cursorChannelLabel is the data channel carrying position frames.
const cursorChannelLabel = "cursor"

var (
	// ErrNoLocalStream is returned by StartOffer when no local tracks
	// are attached; an offer without media has nothing to negotiate.
	ErrNoLocalStream = errors.New("peer: no local stream attached")

	// ErrClosed is returned by operations that need a live machine.
	ErrClosed = errors.New("peer: connection closed")

	// ErrChannelNotOpen is returned by SendCursor when the cursor
	// data channel is not currently open.
	ErrChannelNotOpen = errors.New("peer: cursor channel not open")
)

// Config carries the transport settings a Conn needs to build its
// underlying PeerConnection.
type Config struct {
	// ICEServers is the STUN/TURN set for candidate gathering. Empty
	// means host candidates only, sufficient for same-machine tests.
	ICEServers []webrtc.ICEServer
}

// Conn is the state machine for one remote participant. All methods
// are safe for concurrent use; in practice the session manager
// serializes them through its dispatch loop.
type Conn struct {
	peerID string
	roomID string
	config Config
	logger *slog.Logger

	// events receives every notification; ownerDone, when closed,
	// tells the Conn its owner stopped draining and emissions should
	// be discarded rather than block.
	events    chan<- Event
	ownerDone <-chan struct{}

	mu sync.Mutex

	phase Phase
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel

	// localTracks are borrowed from the stream lifecycle controller.
	// The Conn never stops them.
	localTracks []webrtc.TrackLocal

	// Candidates that arrived before the remote description, kept in
	// arrival order for replay.
	pendingCandidates []signal.Candidate

	// applied dedupes candidates by their candidate string so
	// at-least-once relay delivery reprocesses as a no-op. Reset on
	// each fresh negotiation.
	applied map[string]struct{}

	remoteDescSet bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a machine in PhaseNew. events carries all
// notifications; ownerDone may be nil when the owner drains forever.
func NewConn(roomID, peerID string, config Config, events chan<- Event, ownerDone <-chan struct{}, logger *slog.Logger) *Conn {
	return &Conn{
		peerID:    peerID,
		roomID:    roomID,
		config:    config,
		logger:    logger.With("peer", peerID),
		events:    events,
		ownerDone: ownerDone,
		phase:     PhaseNew,
		applied:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// PeerID returns the remote participant this machine negotiates with.
func (c *Conn) PeerID() string { return c.peerID }

// Phase returns the current lifecycle phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// AttachLocalTracks lends the local media tracks to this connection.
// Ownership stays with the caller; the tracks are added to the next
// negotiation.
func (c *Conn) AttachLocalTracks(tracks []webrtc.TrackLocal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return
	}
	c.localTracks = tracks
}

// StartOffer begins a fresh negotiation: any prior transport is torn
// down first so no resources dangle, then a new PeerConnection with
// the attached tracks and the cursor channel produces a local offer.
// Requires attached local tracks.
func (c *Conn) StartOffer() (signal.Offer, error) {
	c.mu.Lock()

	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return signal.Offer{}, ErrClosed
	}
	if len(c.localTracks) == 0 {
		c.mu.Unlock()
		return signal.Offer{}, ErrNoLocalStream
	}

	c.teardownTransportLocked()

	pc, err := c.newTransportLocked()
	if err != nil {
		c.mu.Unlock()
		return signal.Offer{}, err
	}

	for _, track := range c.localTracks {
		if _, err := pc.AddTrack(track); err != nil {
			c.failNegotiationLocked(pc)
			return signal.Offer{}, fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
	}

	dc, err := pc.CreateDataChannel(cursorChannelLabel, nil)
	if err != nil {
		c.failNegotiationLocked(pc)
		return signal.Offer{}, fmt.Errorf("creating cursor channel: %w", err)
	}
	c.dc = dc
	c.wireDataChannel(pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.failNegotiationLocked(pc)
		return signal.Offer{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.failNegotiationLocked(pc)
		return signal.Offer{}, fmt.Errorf("setting local description: %w", err)
	}

	events := c.setPhaseLocked(PhaseNegotiating)
	sdp := pc.LocalDescription().SDP
	c.mu.Unlock()

	c.emitAll(events)
	return signal.Offer{SDP: sdp}, nil
}

// HandleOffer replaces any prior negotiation with the remote offer
// and produces the answer. On failure the transport is torn down
// rather than left half-initialized; the caller evicts the machine.
func (c *Conn) HandleOffer(offer signal.Offer) (signal.Answer, error) {
	c.mu.Lock()

	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return signal.Answer{}, ErrClosed
	}

	c.teardownTransportLocked()

	pc, err := c.newTransportLocked()
	if err != nil {
		c.mu.Unlock()
		return signal.Answer{}, err
	}

	// An answering side may have no local media (a viewer); tracks
	// are added only when attached.
	for _, track := range c.localTracks {
		if _, err := pc.AddTrack(track); err != nil {
			c.failNegotiationLocked(pc)
			return signal.Answer{}, fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		c.failNegotiationLocked(pc)
		return signal.Answer{}, fmt.Errorf("applying remote offer: %w", err)
	}
	c.remoteDescSet = true
	c.flushPendingLocked(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.failNegotiationLocked(pc)
		return signal.Answer{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.failNegotiationLocked(pc)
		return signal.Answer{}, fmt.Errorf("setting local description: %w", err)
	}

	events := c.setPhaseLocked(PhaseNegotiating)
	sdp := pc.LocalDescription().SDP
	c.mu.Unlock()

	c.emitAll(events)
	return signal.Answer{SDP: sdp}, nil
}

// HandleAnswer applies the remote answer to an in-flight offer.
// Duplicate or late answers are tolerated as no-ops: the relay
// delivers at least once.
func (c *Conn) HandleAnswer(answer signal.Answer) error {
	c.mu.Lock()

	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return nil
	}
	if c.phase != PhaseNegotiating || c.pc == nil || c.remoteDescSet {
		c.logger.Debug("ignoring answer outside negotiation",
			"phase", c.phase.String(),
			"remote_description_set", c.remoteDescSet,
		)
		c.mu.Unlock()
		return nil
	}

	pc := c.pc
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		events := c.setPhaseLocked(PhaseFailed)
		c.mu.Unlock()
		c.emitAll(events)
		return fmt.Errorf("applying remote answer: %w", err)
	}
	c.remoteDescSet = true
	c.flushPendingLocked(pc)
	c.mu.Unlock()
	return nil
}

// AddRemoteCandidate applies a trickled candidate, buffering it when
// the remote description is not yet set. Reapplying a candidate the
// machine has already seen is a no-op.
func (c *Conn) AddRemoteCandidate(candidate signal.Candidate) error {
	c.mu.Lock()

	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return nil
	}
	if _, seen := c.applied[candidate.Candidate]; seen {
		c.mu.Unlock()
		return nil
	}
	c.applied[candidate.Candidate] = struct{}{}

	if !c.remoteDescSet || c.pc == nil {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		c.mu.Unlock()
		return nil
	}

	pc := c.pc
	c.mu.Unlock()

	if err := applyCandidate(pc, candidate); err != nil {
		return fmt.Errorf("applying candidate for %s: %w", c.peerID, err)
	}
	return nil
}

// ReplaceLocalTracks swaps the outgoing media without renegotiation
// where the transport allows it, falling back to remove-and-add for
// senders that reject the replacement.
func (c *Conn) ReplaceLocalTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseClosed {
		return nil
	}
	c.localTracks = tracks
	if c.pc == nil {
		return nil // Next negotiation picks the new tracks up.
	}

	// Hand replacements to senders by media kind, in order.
	remaining := make(map[string][]webrtc.TrackLocal)
	for _, track := range tracks {
		kind := track.Kind().String()
		remaining[kind] = append(remaining[kind], track)
	}

	for _, sender := range c.pc.GetSenders() {
		current := sender.Track()
		if current == nil {
			continue
		}
		kind := current.Kind().String()
		queue := remaining[kind]
		if len(queue) == 0 {
			continue
		}
		replacement := queue[0]
		remaining[kind] = queue[1:]

		if err := sender.ReplaceTrack(replacement); err == nil {
			continue
		}
		// Replacement rejected; re-add the track the long way.
		if err := c.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("removing stale sender: %w", err)
		}
		if _, err := c.pc.AddTrack(replacement); err != nil {
			return fmt.Errorf("re-adding track %s: %w", replacement.ID(), err)
		}
	}
	return nil
}

// SendCursor writes one frame to the cursor channel. Lossy by
// design: callers do not retry.
func (c *Conn) SendCursor(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	closed := c.phase == PhaseClosed
	c.mu.Unlock()

	if closed || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// ChannelReady reports whether the cursor channel is open.
func (c *Conn) ChannelReady() bool {
	c.mu.Lock()
	dc := c.dc
	closed := c.phase == PhaseClosed
	c.mu.Unlock()
	return !closed && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Close tears the machine down. Terminal and idempotent; nothing is
// emitted after the final PhaseClosed notification.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return nil
	}
	c.teardownTransportLocked()
	events := c.setPhaseLocked(PhaseClosed)
	c.mu.Unlock()

	c.emitAll(events)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// newTransportLocked builds a fresh PeerConnection and registers its
// handlers. Loopback candidates stay enabled so same-machine tests
// connect without STUN.
func (c *Conn) newTransportLocked() (*webrtc.PeerConnection, error) {
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	c.pc = pc
	c.remoteDescSet = false

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // Gathering finished; trickle mode has nothing to flush.
		}
		if !c.isCurrent(pc) {
			return
		}
		init := candidate.ToJSON()
		c.emit(LocalCandidate{
			PeerID: c.peerID,
			Candidate: signal.Candidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleTransportState(pc, state)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if !c.isCurrent(pc) {
			return
		}
		c.emit(RemoteTrack{PeerID: c.peerID, Track: track, Receiver: receiver})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != cursorChannelLabel || !c.isCurrent(pc) {
			return
		}
		c.mu.Lock()
		if c.pc == pc {
			c.dc = dc
		}
		c.mu.Unlock()
		c.wireDataChannel(pc, dc)
	})

	return pc, nil
}

func (c *Conn) wireDataChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		if c.isCurrent(pc) {
			c.emit(ChannelOpen{PeerID: c.peerID})
		}
	})
	dc.OnClose(func() {
		if c.isCurrent(pc) {
			c.emit(ChannelClosed{PeerID: c.peerID})
		}
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		if c.isCurrent(pc) {
			c.emit(ChannelMessage{PeerID: c.peerID, Data: message.Data})
		}
	})
}

// handleTransportState maps the underlying transport state onto the
// machine's phase. States from a superseded PeerConnection are
// ignored.
func (c *Conn) handleTransportState(pc *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.pc != pc || c.phase == PhaseClosed {
		c.mu.Unlock()
		return
	}

	var events []Event
	switch state {
	case webrtc.PeerConnectionStateConnected:
		events = c.setPhaseLocked(PhaseConnected)
	case webrtc.PeerConnectionStateDisconnected:
		events = c.setPhaseLocked(PhaseDisconnected)
	case webrtc.PeerConnectionStateFailed:
		events = c.setPhaseLocked(PhaseFailed)
	}
	c.mu.Unlock()

	c.emitAll(events)
}

// failNegotiationLocked abandons a half-built transport and marks the
// machine failed. Callers must hold c.mu; the lock is released and
// the failure emitted before returning.
func (c *Conn) failNegotiationLocked(pc *webrtc.PeerConnection) {
	if c.pc == pc {
		c.pc = nil
		c.dc = nil
	}
	pc.Close()
	events := c.setPhaseLocked(PhaseFailed)
	c.mu.Unlock()
	c.emitAll(events)
}

// teardownTransportLocked closes the current PeerConnection, if any,
// without changing phase.
func (c *Conn) teardownTransportLocked() {
	if c.dc != nil {
		c.dc.Close()
		c.dc = nil
	}
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
		// Candidates belonged to the superseded session; a fresh
		// negotiation gathers its own. Candidates buffered before
		// any transport existed are kept for the incoming one.
		c.pendingCandidates = nil
		c.applied = make(map[string]struct{})
	}
	c.remoteDescSet = false
}

// flushPendingLocked replays buffered candidates in arrival order.
// Individual apply failures are logged, not fatal: a stale candidate
// must not kill an otherwise good negotiation.
func (c *Conn) flushPendingLocked(pc *webrtc.PeerConnection) {
	for _, candidate := range c.pendingCandidates {
		if err := applyCandidate(pc, candidate); err != nil {
			c.logger.Warn("buffered candidate rejected", "error", err)
		}
	}
	c.pendingCandidates = nil
}

func applyCandidate(pc *webrtc.PeerConnection, candidate signal.Candidate) error {
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

// setPhaseLocked records a transition and returns the events to emit
// once the lock is released. PhaseClosed is terminal; self-moves are
// dropped.
func (c *Conn) setPhaseLocked(next Phase) []Event {
	if c.phase == next || c.phase == PhaseClosed {
		return nil
	}
	c.logger.Debug("phase transition", "from", c.phase.String(), "to", next.String())
	c.phase = next
	return []Event{PhaseChange{PeerID: c.peerID, Phase: next}}
}

func (c *Conn) isCurrent(pc *webrtc.PeerConnection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc == pc && c.phase != PhaseClosed
}

func (c *Conn) emitAll(events []Event) {
	for _, event := range events {
		c.emit(event)
	}
}

// emit delivers an event to the owner, giving up when either side is
// done. No event is delivered after Close's final notification.
func (c *Conn) emit(event Event) {
	select {
	case <-c.done:
		// Close emits its final notification before closing done;
		// anything arriving here afterwards is discarded.
		return
	default:
	}
	select {
	case c.events <- event:
	case <-c.ownerDone:
	case <-c.done:
	}
}
