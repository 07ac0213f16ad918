// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Transport   = (*PionTransport)(nil)
	_ DataChannel = (*pionDataChannel)(nil)
	_ RemoteTrack = (*pionRemoteTrack)(nil)
)

// ErrUnsupportedTrack is returned by AddTrack for a MediaTrack that
// does not carry a pion local track.
var ErrUnsupportedTrack = errors.New("peer: track has no pion local track")

// PionConfig configures a PionTransport.
type PionConfig struct {
	// ICEServers are the STUN/TURN servers for candidate gathering.
	ICEServers []ICEServer

	// IncludeLoopback makes loopback addresses eligible as host
	// candidates, for same-machine connections and tests.
	IncludeLoopback bool

	// Logger receives connection lifecycle events. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// PionTransport is a Transport backed by a pion/webrtc PeerConnection.
// Candidates are trickled through OnICECandidate as pion gathers them.
type PionTransport struct {
	connection *webrtc.PeerConnection
	logger     *slog.Logger

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender // track ID → sender
}

// NewPionTransport creates a PeerConnection with the given settings.
func NewPionTransport(config PionConfig) (*PionTransport, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(config.IncludeLoopback)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine), webrtc.WithMediaEngine(mediaEngine))
	connection, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: toPion(config.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	transport := &PionTransport{
		connection: connection,
		logger:     logger,
		senders:    make(map[string]*webrtc.RTPSender),
	}
	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ICE connection state changed", "state", state.String())
	})
	return transport, nil
}

// PionFactory returns a Factory producing PionTransports that log to
// logger.
func PionFactory(logger *slog.Logger) Factory {
	return func(servers []ICEServer) (Transport, error) {
		transport, err := NewPionTransport(PionConfig{ICEServers: servers, Logger: logger})
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
}

func (t *PionTransport) CreateOffer() (SessionDescription, error) {
	offer, err := t.connection.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (t *PionTransport) CreateAnswer() (SessionDescription, error) {
	answer, err := t.connection.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (t *PionTransport) SetLocalDescription(description SessionDescription) error {
	if err := t.connection.SetLocalDescription(toPionDescription(description)); err != nil {
		return fmt.Errorf("setting local %s: %w", description.Type, err)
	}
	return nil
}

func (t *PionTransport) SetRemoteDescription(description SessionDescription) error {
	if err := t.connection.SetRemoteDescription(toPionDescription(description)); err != nil {
		return fmt.Errorf("setting remote %s: %w", description.Type, err)
	}
	return nil
}

func (t *PionTransport) HasRemoteDescription() bool {
	return t.connection.RemoteDescription() != nil
}

func (t *PionTransport) AddICECandidate(candidate ICECandidate) error {
	err := t.connection.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) OnICECandidate(handler func(ICECandidate)) {
	t.connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			t.logger.Debug("ICE gathering complete")
			return
		}
		init := candidate.ToJSON()
		handler(ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (t *PionTransport) OnConnectionStateChange(handler func(ConnectionState)) {
	t.connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Info("peer connection state changed", "state", state.String())
		handler(fromPionState(state))
	})
}

func (t *PionTransport) ConnectionState() ConnectionState {
	return fromPionState(t.connection.ConnectionState())
}

func (t *PionTransport) CreateDataChannel(label string) (DataChannel, error) {
	channel, err := t.connection.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel %q: %w", label, err)
	}
	return &pionDataChannel{channel: channel}, nil
}

func (t *PionTransport) OnDataChannel(handler func(DataChannel)) {
	t.connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		t.logger.Debug("remote data channel announced", "label", channel.Label())
		handler(&pionDataChannel{channel: channel})
	})
}

// pionTrack is implemented by MediaTracks that can be sent over a
// PionTransport.
type pionTrack interface {
	LocalTrack() webrtc.TrackLocal
}

func (t *PionTransport) AddTrack(track MediaTrack) error {
	local, ok := track.(pionTrack)
	if !ok {
		return ErrUnsupportedTrack
	}
	sender, err := t.connection.AddTrack(local.LocalTrack())
	if err != nil {
		return fmt.Errorf("adding %s track: %w", track.Kind(), err)
	}

	t.mu.Lock()
	t.senders[track.ID()] = sender
	t.mu.Unlock()

	// RTCP must be drained for pion's interceptors to run.
	go func() {
		buffer := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buffer); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *PionTransport) RemoveTrack(track MediaTrack) error {
	t.mu.Lock()
	sender, ok := t.senders[track.ID()]
	delete(t.senders, track.ID())
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := t.connection.RemoveTrack(sender); err != nil {
		return fmt.Errorf("removing %s track: %w", track.Kind(), err)
	}
	return nil
}

func (t *PionTransport) OnTrack(handler func(RemoteTrack)) {
	t.connection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info("remote track received",
			"kind", track.Kind().String(),
			"stream_id", track.StreamID(),
			"track_id", track.ID(),
		)
		handler(&pionRemoteTrack{track: track})
	})
}

func (t *PionTransport) Close() error {
	return t.connection.Close()
}

func fromPionDescription(description webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: SDPType(description.Type.String()), SDP: description.SDP}
}

func toPionDescription(description SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(description.Type)),
		SDP:  description.SDP,
	}
}

func fromPionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	}
	return ConnectionStateNew
}

// pionDataChannel adapts *webrtc.DataChannel to DataChannel.
type pionDataChannel struct {
	channel *webrtc.DataChannel
}

func (c *pionDataChannel) Label() string { return c.channel.Label() }

func (c *pionDataChannel) Open() bool {
	return c.channel.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionDataChannel) OnOpen(handler func())        { c.channel.OnOpen(handler) }
func (c *pionDataChannel) OnClose(handler func())       { c.channel.OnClose(handler) }
func (c *pionDataChannel) OnError(handler func(error))  { c.channel.OnError(handler) }
func (c *pionDataChannel) Send(data []byte) error       { return c.channel.Send(data) }
func (c *pionDataChannel) SendText(text string) error   { return c.channel.SendText(text) }
func (c *pionDataChannel) BufferedAmount() uint64       { return c.channel.BufferedAmount() }
func (c *pionDataChannel) OnBufferedAmountLow(f func()) { c.channel.OnBufferedAmountLow(f) }
func (c *pionDataChannel) Close() error                 { return c.channel.Close() }

func (c *pionDataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.channel.SetBufferedAmountLowThreshold(threshold)
}

func (c *pionDataChannel) OnMessage(handler func(Message)) {
	c.channel.OnMessage(func(message webrtc.DataChannelMessage) {
		handler(Message{Data: message.Data, IsString: message.IsString})
	})
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *pionRemoteTrack) ID() string       { return r.track.ID() }
func (r *pionRemoteTrack) StreamID() string { return r.track.StreamID() }
func (r *pionRemoteTrack) Kind() string     { return r.track.Kind().String() }

func (r *pionRemoteTrack) Read(packet []byte) (int, error) {
	count, _, err := r.track.Read(packet)
	return count, err
}
