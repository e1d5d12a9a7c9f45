// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"
)

// UDPSource ingests an RTP stream from a local UDP socket, for setups
// where an external tool (ffmpeg, gstreamer, wf-recorder) does the
// actual screen grab and pipes RTP here. One Acquire owns the socket;
// Stop releases it.
type UDPSource struct {
	// Addr is the listen address, e.g. "127.0.0.1:5004".
	Addr string

	// MimeType defaults to VP8.
	MimeType string
}

// Acquire binds the socket and starts forwarding packets into a
// single video track. The track ends when the socket read fails.
func (s *UDPSource) Acquire(_ context.Context, _ Constraints) (*Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Device: s.Addr, Err: err}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &Error{Kind: KindDeviceUnreadable, Device: s.Addr, Err: err}
	}

	mimeType := s.MimeType
	if mimeType == "" {
		mimeType = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType}, "video", "screen")
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: KindNotSupported, Device: s.Addr, Err: err}
	}

	var once sync.Once
	track := NewTrack(local, func() {
		once.Do(func() { conn.Close() })
	})

	go func() {
		defer track.End()
		buf := make([]byte, 1500)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := local.Write(buf[:n]); err != nil {
				// Unbound tracks return ErrClosedPipe between
				// negotiations; keep reading so packets resume once a
				// connection binds the track again.
				if errors.Is(err, io.ErrClosedPipe) {
					continue
				}
				return
			}
		}
	}()

	return NewStream(track), nil
}
