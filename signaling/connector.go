// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrConnectorClosed is returned by operations on a closed Connector.
var ErrConnectorClosed = errors.New("signaling: connector closed")

// Connector is the client side of a signaling server.
type Connector interface {
	// RequestDevice asks the server to connect this client to
	// deviceID and returns the device descriptor and infrastructure
	// configuration.
	RequestDevice(ctx context.Context, deviceID string) (Device, error)

	// SendToDevice forwards message, marshaled as JSON, to the device.
	SendToDevice(ctx context.Context, message any) error

	// OnDeviceMessage registers the handler for messages from the
	// device. Messages are delivered in the order the server relayed
	// them. The handler must not block for long.
	OnDeviceMessage(handler func(json.RawMessage))

	Close() error
}

// Endpoints locates a signaling server.
type Endpoints struct {
	// WebSocketURL is tried first when non-empty.
	WebSocketURL string

	// Polling endpoints, used when the WebSocket is unavailable.
	PollConfigURL  string
	PollConnectURL string
	PollForwardURL string
	PollMessageURL string
}

// Dial connects to the server over its WebSocket endpoint, falling back
// to HTTP polling when the WebSocket cannot be opened.
func Dial(ctx context.Context, endpoints Endpoints, logger *slog.Logger) (Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if endpoints.WebSocketURL != "" {
		connector, err := DialWebSocket(ctx, endpoints.WebSocketURL, logger)
		if err == nil {
			return connector, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("websocket signaling unavailable, trying polling instead",
			"url", endpoints.WebSocketURL,
			"error", err,
		)
	}

	if endpoints.PollConfigURL == "" {
		return nil, fmt.Errorf("no usable signaling endpoint: polling endpoints not configured")
	}
	return NewPollingConnector(ctx, PollingConfig{
		ConfigURL:  endpoints.PollConfigURL,
		ConnectURL: endpoints.PollConnectURL,
		ForwardURL: endpoints.PollForwardURL,
		PollURL:    endpoints.PollMessageURL,
		Logger:     logger,
	})
}
