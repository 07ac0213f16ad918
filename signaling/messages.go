// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"

	"github.com/bureau-foundation/devlink/peer"
)

// Device is the signaling server's answer to a device request.
type Device struct {
	// Info is the device descriptor exactly as the server sent it.
	Info json.RawMessage

	// Infra is the server's infrastructure configuration.
	Infra InfraConfig
}

// InfraConfig is the part of the server configuration the client uses.
type InfraConfig struct {
	ICEServers []peer.ICEServer `json:"ice_servers"`
}

// Message types exchanged with the device.
const (
	TypeRequestOffer = "request-offer"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeError        = "error"
)

type requestOfferMessage struct {
	Type       string           `json:"type"`
	ICEServers []peer.ICEServer `json:"ice_servers"`
}

type descriptionMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMessage struct {
	Type      string            `json:"type"`
	Candidate peer.ICECandidate `json:"candidate"`
}

// deviceMessage is the union of every message the device sends. ICE
// candidates arrive flat: mid and mLineIndex sit beside the candidate
// string rather than inside it.
type deviceMessage struct {
	Type       string          `json:"type"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  string          `json:"candidate,omitempty"`
	Mid        *string         `json:"mid,omitempty"`
	MLineIndex *uint16         `json:"mLineIndex,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

func (m deviceMessage) iceCandidate() peer.ICECandidate {
	return peer.ICECandidate{Candidate: m.Candidate, SDPMid: m.Mid, SDPMLineIndex: m.MLineIndex}
}
