// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer defines the peer-connection capability the rest of
// devlink is written against, and provides its pion/webrtc
// implementation.
//
// Signaling, channel multiplexing, and the device facade only see the
// Transport and DataChannel interfaces. Production code builds a
// PionTransport through PionFactory; tests use the scripted fake in
// peer/peertest.
package peer

import (
	"fmt"
)

// SDPType is the role of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP blob with its role.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a trickled ICE candidate. Either SDPMid or
// SDPMLineIndex identifies the media section; both may be set.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"mid,omitempty"`
	SDPMLineIndex *uint16 `json:"mLineIndex,omitempty"`
}

// ConnectionState is the aggregate state of a peer connection.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// Message is one inbound data channel message.
type Message struct {
	Data     []byte
	IsString bool
}

// DataChannel is one labeled, message-oriented channel on a Transport.
// Callbacks are invoked from the transport's own goroutines.
type DataChannel interface {
	Label() string

	// Open reports whether the channel has already opened. A channel
	// received through OnDataChannel may be open before any OnOpen
	// handler is registered.
	Open() bool

	OnOpen(func())
	OnClose(func())
	OnError(func(error))
	OnMessage(func(Message))

	Send(data []byte) error
	SendText(text string) error

	// BufferedAmount is the number of bytes queued in the transport
	// and not yet handed to the network.
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(func())

	Close() error
}

// MediaTrack is a local audio or video source that can be attached to
// a Transport.
type MediaTrack interface {
	ID() string
	// Kind is "audio" or "video".
	Kind() string
	// Stop releases the underlying capture device.
	Stop()
}

// RemoteTrack is an audio or video track sent by the remote peer.
type RemoteTrack interface {
	ID() string
	// StreamID is the media stream the track belongs to.
	StreamID() string
	// Kind is "audio" or "video".
	Kind() string
	// Read reads one RTP packet into packet.
	Read(packet []byte) (int, error)
}

// Transport is a single peer connection: SDP negotiation, trickle ICE,
// data channels, and media tracks in both directions.
type Transport interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	// HasRemoteDescription reports whether a remote description has
	// been applied. Candidates must not be added before it has.
	HasRemoteDescription() bool
	AddICECandidate(ICECandidate) error

	// OnICECandidate registers the handler for locally gathered
	// candidates. It is not called for the end-of-candidates marker.
	OnICECandidate(func(ICECandidate))
	OnConnectionStateChange(func(ConnectionState))
	ConnectionState() ConnectionState

	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(func(DataChannel))

	AddTrack(MediaTrack) error
	RemoveTrack(MediaTrack) error
	// OnTrack registers the handler for tracks the remote peer adds.
	OnTrack(func(RemoteTrack))

	Close() error
}

// Factory builds a Transport configured with the given ICE servers.
type Factory func(servers []ICEServer) (Transport, error)
