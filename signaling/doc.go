// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling drives the SDP offer/answer and trickle-ICE
// exchange between devlink and a virtual device.
//
// A Connector carries JSON messages to and from the device through the
// signaling server. Three implementations are provided:
// WebSocketConnector (the server's WebSocket endpoint),
// PollingConnector (its HTTP long-poll endpoints), and MemoryConnector
// (in-process, for tests). Dial tries the WebSocket first and falls
// back to polling.
//
// The Controller owns the negotiation state machine for one peer
// connection:
//
//	idle → negotiating → connected
//	connected → negotiating → connected   (renegotiation)
//	any → failed                          (transport failure)
//	any → closed                          (Close)
//
// The device makes the initial offer in response to a request-offer
// message; devlink answers. Later renegotiations (for example after a
// microphone track is added) are offered by devlink. All locally
// initiated negotiations are serialized: a Renegotiate that arrives
// while another negotiation is in flight waits until that one reaches
// connected or failed. There is no automatic retry.
package signaling
