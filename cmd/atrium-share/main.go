// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// atrium-share joins a room and shares a media stream with every
// participant in it, negotiating a direct WebRTC connection to each
// through the signal relay.
//
// The media itself comes in as RTP over a local UDP socket, so any
// capture tool that can emit RTP works as the screen grabber:
//
//	ffmpeg -f x11grab -i :0 -c:v libvpx -f rtp rtp://127.0.0.1:5004
//	atrium-share --room demo --self alice --peer bob
//
// Pointer positions are read from stdin as "x y" pairs in [0,1] and
// travel over the peer data channels, falling back to the relay-side
// store when no channel is open.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/atrium-foundation/atrium/capture"
	"github.com/atrium-foundation/atrium/cursor"
	"github.com/atrium-foundation/atrium/lib/config"
	"github.com/atrium-foundation/atrium/peer"
	"github.com/atrium-foundation/atrium/session"
	"github.com/atrium-foundation/atrium/signal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		roomID     string
		selfID     string
		relayURL   string
		peers      []string
		iceServers []string
		rtpListen  string
		redisAddr  string
		viewOnly   bool
	)

	flags := pflag.NewFlagSet("atrium-share", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to atrium.yaml (default: $ATRIUM_CONFIG, then built-in defaults)")
	flags.StringVar(&roomID, "room", "", "room to join (required)")
	flags.StringVar(&selfID, "self", "", "this participant's ID (required)")
	flags.StringVar(&relayURL, "relay", "", "relay URL (overrides config; ws:// or wss:// selects the websocket transport)")
	flags.StringSliceVar(&peers, "peer", nil, "participant already in the room (repeatable)")
	flags.StringSliceVar(&iceServers, "ice-server", nil, "STUN/TURN URL (repeatable)")
	flags.StringVar(&rtpListen, "rtp-listen", "127.0.0.1:5004", "UDP address receiving the capture tool's RTP stream")
	flags.StringVar(&redisAddr, "redis", "", "Redis address for the cursor fallback store (default: in-memory)")
	flags.BoolVar(&viewOnly, "view-only", false, "join without sharing media")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if roomID == "" || selfID == "" {
		return fmt.Errorf("--room and --self are required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if relayURL == "" {
		relayURL = cfg.Relay.URL
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runSession(ctx, cfg, logger, sessionParams{
		roomID:     roomID,
		selfID:     selfID,
		relayURL:   relayURL,
		peers:      peers,
		iceServers: iceServers,
		rtpListen:  rtpListen,
		redisAddr:  redisAddr,
		viewOnly:   viewOnly,
	})
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("ATRIUM_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

type sessionParams struct {
	roomID     string
	selfID     string
	relayURL   string
	peers      []string
	iceServers []string
	rtpListen  string
	redisAddr  string
	viewOnly   bool
}

func runSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, params sessionParams) error {
	relay, cleanup, err := dialRelay(ctx, cfg, params)
	if err != nil {
		return err
	}
	defer cleanup()

	directory := session.NewMemoryDirectory()
	directory.Join(params.roomID, params.selfID)
	for _, peerID := range params.peers {
		directory.Join(params.roomID, peerID)
	}

	peerConfig := peer.Config{}
	for _, url := range params.iceServers {
		peerConfig.ICEServers = append(peerConfig.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	manager, err := session.NewManager(session.Options{
		SelfID:    params.selfID,
		RoomID:    params.roomID,
		Relay:     relay,
		Directory: directory,
		Peer:      peerConfig,
		Session:   cfg.Session,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close()
	manager.Start(ctx)

	controller := capture.NewController(
		&capture.UDPSource{Addr: params.rtpListen},
		manager, cfg.Capture.Grace.D(), nil, logger)
	defer controller.Close()

	if !params.viewOnly {
		if err := controller.Start(ctx, capture.Constraints{}); err != nil {
			return fmt.Errorf("starting capture: %w", err)
		}
		if err := manager.StartSharing(ctx, controller.Tracks()); err != nil {
			return fmt.Errorf("starting session: %w", err)
		}
		logger.Info("sharing started", "rtp_listen", params.rtpListen, "peers", params.peers)
	}

	var cursorStore cursor.Store
	if params.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: params.redisAddr})
		defer client.Close()
		cursorStore = cursor.NewRedisStore(client, cfg.Relayd.Retention.D())
	} else {
		cursorStore = cursor.NewMemoryStore()
	}
	transport, err := cursor.NewTransport(cursor.Options{
		RoomID:   params.roomID,
		SelfID:   params.selfID,
		Channels: manager,
		Store:    cursorStore,
		Cursor:   cfg.Cursor,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer transport.Close()
	transport.Start(ctx)

	go readPointer(ctx, transport, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case event := <-manager.Events():
			logSessionEvent(logger, event)
		case event := <-controller.Events():
			if err := handleCaptureEvent(logger, event); err != nil {
				// The deferred manager.Close drops every peer
				// connection; nothing is left to share.
				return err
			}
		case mode := <-transport.ModeChanges():
			logger.Info("cursor path changed", "mode", mode.String())
		}
	}
}

// dialRelay picks the relay transport by URL scheme.
func dialRelay(ctx context.Context, cfg *config.Config, params sessionParams) (signal.Relay, func(), error) {
	if strings.HasPrefix(params.relayURL, "ws://") || strings.HasPrefix(params.relayURL, "wss://") {
		ws, err := signal.DialWSRelay(ctx, params.relayURL, params.roomID, params.selfID)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing relay: %w", err)
		}
		return ws, func() { ws.Close() }, nil
	}
	return signal.NewHTTPRelay(params.relayURL, cfg.Relay.Timeout.D()), func() {}, nil
}

// readPointer feeds "x y" lines from stdin into the cursor transport.
func readPointer(ctx context.Context, transport *cursor.Transport, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		x, errX := strconv.ParseFloat(fields[0], 64)
		y, errY := strconv.ParseFloat(fields[1], 64)
		if errX != nil || errY != nil {
			continue
		}
		if err := transport.Update(ctx, cursor.Position{X: x, Y: y, Visible: true}); err != nil {
			logger.Warn("cursor update failed", "error", err)
		}
	}
}

func logSessionEvent(logger *slog.Logger, event session.Event) {
	switch e := event.(type) {
	case session.PeerStateChange:
		logger.Info("peer state", "peer", e.PeerID, "phase", e.Phase.String())
	case session.TrackReceived:
		logger.Info("remote track", "peer", e.PeerID, "kind", e.Track.Kind().String())
	case session.ChannelStateChange:
		logger.Info("cursor channel", "peer", e.PeerID, "open", e.Open)
	case session.CursorReceived:
		if p, err := cursor.DecodePosition(e.Data); err == nil {
			logger.Info("cursor", "peer", e.PeerID, "x", p.X, "y", p.Y)
		}
	case session.PeerDropped:
		logger.Warn("peer dropped", "peer", e.PeerID, "reason", e.Reason)
	case session.RelayStateChange:
		logger.Warn("relay health", "healthy", e.Healthy)
	}
}

// handleCaptureEvent logs the event. An unrecoverable source failure
// is returned as an error so the session shuts down instead of
// advertising a dead track.
func handleCaptureEvent(logger *slog.Logger, event capture.Event) error {
	switch e := event.(type) {
	case capture.StateChange:
		logger.Info("capture state", "phase", e.Phase.String())
	case capture.SourceRecovered:
		logger.Info("capture source recovered")
	case capture.SourceFailed:
		var captureErr *capture.Error
		if errors.As(e.Err, &captureErr) {
			logger.Error("capture failed", "error", e.Err, "guidance", captureErr.Guidance())
		} else {
			logger.Error("capture failed", "error", e.Err)
		}
		return fmt.Errorf("capture source failed: %w", e.Err)
	}
	return nil
}
