// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the peer link lifecycle: creating and
// answering offers, exporting descriptors through the out-of-band
// relay, and surfacing the data channel once the link connects.
//
// Connection establishment uses vanilla ICE: all candidates are
// gathered before the descriptor is exported, so the out-of-band
// exchange needs exactly one round-trip in each direction.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sidelink/sidelink/descriptor"
	"github.com/sidelink/sidelink/relay"
	"github.com/sidelink/sidelink/telemetry"
)

// channelLabel is the label of the single protocol data channel.
const channelLabel = "chat"

// DefaultGatherTimeout bounds the wait for ICE candidate gathering
// before the descriptor is exported.
const DefaultGatherTimeout = 15 * time.Second

// Export is a locally generated descriptor ready for out-of-band
// delivery: always the compressed encoded form, plus a relay URL when
// an upload succeeded.
type Export struct {
	Type    string // descriptor.TypeOffer or descriptor.TypeAnswer
	Encoded string
	URL     string
}

// Hooks are the session's event surface. All callbacks fire on pion's
// internal goroutines; consumers serialize them into their own loop.
// Nil callbacks are skipped.
type Hooks struct {
	OnChannelOpen  func(*Channel)
	OnChannelClose func()
	OnMessage      func([]byte)
	OnLinkState    func(webrtc.PeerConnectionState)
}

// Config collects the session's collaborators. Relay and Media are
// optional; a nil Relay disables URL exchange and a nil Media behaves
// as NopMedia.
type Config struct {
	ICEServers    []webrtc.ICEServer
	Relay         relay.Exchange
	Media         Media
	Logger        *slog.Logger
	GatherTimeout time.Duration
	Hooks         Hooks
}

// Session owns at most one peer link at a time. Creating a second
// link while one is active fails with a SignalingError; End resets to
// idle.
//
// Session is safe for concurrent use.
type Session struct {
	iceServers    []webrtc.ICEServer
	relay         relay.Exchange
	media         Media
	logger        *slog.Logger
	gatherTimeout time.Duration
	hooks         Hooks

	mu      sync.Mutex
	link    *webrtc.PeerConnection
	channel *Channel
}

// New creates an idle session.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	media := cfg.Media
	if media == nil {
		media = NopMedia{}
	}
	gatherTimeout := cfg.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}
	return &Session{
		iceServers:    cfg.ICEServers,
		relay:         cfg.Relay,
		media:         media,
		logger:        logger,
		gatherTimeout: gatherTimeout,
		hooks:         cfg.Hooks,
	}
}

// CreateOffer allocates the link, opens the protocol data channel,
// gathers ICE candidates, and returns the offer descriptor for
// out-of-band delivery.
func (s *Session) CreateOffer(ctx context.Context) (Export, error) {
	pc, err := s.allocateLink(ctx)
	if err != nil {
		return Export{}, err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		s.teardown(pc)
		return Export{}, fmt.Errorf("session: creating data channel: %w", err)
	}
	s.adoptChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.teardown(pc)
		return Export{}, fmt.Errorf("session: creating offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		s.teardown(pc)
		return Export{}, fmt.Errorf("session: setting local description: %w", err)
	}
	if err := s.waitForGathering(ctx, gatherComplete); err != nil {
		s.teardown(pc)
		return Export{}, err
	}

	export, err := s.exportLocal(ctx, pc, descriptor.TypeOffer)
	if err != nil {
		s.teardown(pc)
		return Export{}, err
	}

	s.logger.Info("offer created", "relay_url", export.URL != "")
	return export, nil
}

// ApplyRemote consumes the peer's out-of-band input: a relay URL or
// the encoded descriptor itself. A remote offer allocates the
// answering link and returns the answer export; a remote answer
// completes the offerer's handshake and returns a zero Export.
func (s *Session) ApplyRemote(ctx context.Context, input string) (Export, error) {
	payload := strings.TrimSpace(input)

	if relay.IsURL(payload) {
		if s.relay == nil {
			return Export{}, &SignalingError{Reason: "relay URL given but no relay configured"}
		}
		fetched, err := s.relay.Fetch(ctx, payload)
		if err != nil {
			return Export{}, err
		}
		payload = strings.TrimSpace(fetched)
	}

	remote, err := descriptor.Decode(payload)
	if err != nil {
		return Export{}, err
	}

	switch remote.Type {
	case descriptor.TypeAnswer:
		return Export{}, s.applyAnswer(remote)
	case descriptor.TypeOffer:
		return s.applyOffer(ctx, remote)
	default:
		// Decode already rejects unknown types; kept for safety.
		return Export{}, &SignalingError{Reason: fmt.Sprintf("unexpected descriptor type %q", remote.Type)}
	}
}

// applyAnswer completes the handshake on the offering side.
func (s *Session) applyAnswer(remote descriptor.Descriptor) error {
	s.mu.Lock()
	pc := s.link
	s.mu.Unlock()

	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return &SignalingError{Reason: "answer before offer"}
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remote.SDP,
	})
	if err != nil {
		return fmt.Errorf("session: setting remote answer: %w", err)
	}

	s.logger.Info("answer applied")
	return nil
}

// applyOffer allocates the answering link and produces the answer
// export. The peer's data channel is adopted when it arrives.
func (s *Session) applyOffer(ctx context.Context, remote descriptor.Descriptor) (Export, error) {
	pc, err := s.allocateLink(ctx)
	if err != nil {
		return Export{}, err
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.adoptChannel(dc)
	})

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remote.SDP,
	})
	if err != nil {
		s.teardown(pc)
		return Export{}, fmt.Errorf("session: setting remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.teardown(pc)
		return Export{}, fmt.Errorf("session: creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		s.teardown(pc)
		return Export{}, fmt.Errorf("session: setting local description: %w", err)
	}
	if err := s.waitForGathering(ctx, gatherComplete); err != nil {
		s.teardown(pc)
		return Export{}, err
	}

	export, err := s.exportLocal(ctx, pc, descriptor.TypeAnswer)
	if err != nil {
		s.teardown(pc)
		return Export{}, err
	}

	s.logger.Info("answer created", "relay_url", export.URL != "")
	return export, nil
}

// End closes the channel and link, releases media, and resets to
// idle. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	pc := s.link
	channel := s.channel
	s.link = nil
	s.channel = nil
	s.mu.Unlock()

	if channel != nil {
		channel.dc.Close()
	}
	if pc != nil {
		pc.Close()
		s.logger.Info("link ended")
	}
	s.media.Release()
}

// Active reports whether a link currently exists (in any connection
// state).
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Channel returns the protocol channel, or nil before one is adopted.
func (s *Session) Channel() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Stats pulls raw transport counters from the link for the telemetry
// sampler. Reports false while no link exists.
func (s *Session) Stats() (telemetry.Stats, bool) {
	s.mu.Lock()
	pc := s.link
	s.mu.Unlock()
	if pc == nil {
		return telemetry.Stats{}, false
	}

	var stats telemetry.Stats
	for _, entry := range pc.GetStats() {
		switch v := entry.(type) {
		case webrtc.TransportStats:
			stats.BytesSent += int64(v.BytesSent)
			stats.BytesReceived += int64(v.BytesReceived)
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded {
				stats.RTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			stats.PacketsLost += int64(v.PacketsLost)
		case webrtc.RemoteInboundRTPStreamStats:
			// Loss on our outbound streams, as counted by the peer.
			stats.PacketsLost += int64(v.PacketsLost)
		}
	}
	return stats, true
}

// allocateLink creates the PeerConnection after acquiring media, and
// registers it as the session's single link. Fails with a
// SignalingError when a link already exists.
func (s *Session) allocateLink(ctx context.Context) (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	if s.link != nil {
		s.mu.Unlock()
		return nil, &SignalingError{Reason: "call already active"}
	}
	s.mu.Unlock()

	if err := s.media.Acquire(ctx); err != nil {
		return nil, &MediaAccessError{Cause: err}
	}

	// Loopback candidates keep same-machine links and test
	// environments working where loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: s.iceServers,
	})
	if err != nil {
		s.media.Release()
		return nil, fmt.Errorf("session: creating peer connection: %w", err)
	}

	for _, track := range s.media.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			s.media.Release()
			return nil, fmt.Errorf("session: adding media track: %w", err)
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("link state change", "state", state.String())
		if s.hooks.OnLinkState != nil {
			s.hooks.OnLinkState(state)
		}
	})

	s.mu.Lock()
	if s.link != nil {
		// Lost a race with a concurrent allocation.
		s.mu.Unlock()
		pc.Close()
		s.media.Release()
		return nil, &SignalingError{Reason: "call already active"}
	}
	s.link = pc
	s.mu.Unlock()

	return pc, nil
}

// adoptChannel wraps the protocol data channel and wires its events
// into the hooks.
func (s *Session) adoptChannel(dc *webrtc.DataChannel) {
	channel := newChannel(dc)

	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.logger.Info("data channel open", "label", dc.Label())
		if s.hooks.OnChannelOpen != nil {
			s.hooks.OnChannelOpen(channel)
		}
	})
	dc.OnClose(func() {
		s.logger.Info("data channel closed", "label", dc.Label())
		if s.hooks.OnChannelClose != nil {
			s.hooks.OnChannelClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(msg.Data)
		}
	})
}

// waitForGathering blocks until vanilla ICE gathering completes.
func (s *Session) waitForGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(s.gatherTimeout):
		return fmt.Errorf("session: ICE gathering timed out after %s", s.gatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exportLocal encodes the gathered local description and uploads it
// through the relay when one is configured. Upload failure falls back
// to the encoded form alone; the caller can still deliver it manually.
func (s *Session) exportLocal(ctx context.Context, pc *webrtc.PeerConnection, descType string) (Export, error) {
	local := pc.LocalDescription()
	if local == nil {
		return Export{}, fmt.Errorf("session: no local description after gathering")
	}

	encoded, err := descriptor.Encode(descriptor.Descriptor{
		Type: descType,
		SDP:  local.SDP,
	})
	if err != nil {
		return Export{}, err
	}

	export := Export{Type: descType, Encoded: encoded}
	if s.relay != nil {
		url, err := s.relay.Upload(ctx, encoded)
		if err != nil {
			s.logger.Warn("relay upload failed, falling back to manual exchange", "error", err)
		} else {
			export.URL = url
		}
	}
	return export, nil
}

// teardown discards a link that failed mid-setup.
func (s *Session) teardown(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	if s.link == pc {
		s.link = nil
		s.channel = nil
	}
	s.mu.Unlock()
	pc.Close()
	s.media.Release()
}
