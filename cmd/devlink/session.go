// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/devlink/adb"
	"github.com/bureau-foundation/devlink/cmd/devlink/cli"
	"github.com/bureau-foundation/devlink/device"
	"github.com/bureau-foundation/devlink/lib/config"
	"github.com/bureau-foundation/devlink/peer"
	"github.com/bureau-foundation/devlink/signaling"
)

// session carries what every command needs to reach a device.
type session struct {
	config *config.Config
	logger *slog.Logger
	stdout io.Writer

	// openConnector and factory are replaced in tests.
	openConnector func(ctx context.Context) (signaling.Connector, error)
	factory       peer.Factory
}

func newSession(cfg *config.Config, logger *slog.Logger, stdout io.Writer) *session {
	s := &session{
		config:  cfg,
		logger:  logger,
		stdout:  stdout,
		factory: iceFactory(iceServers(cfg.ICEServers), logger),
	}
	s.openConnector = func(ctx context.Context) (signaling.Connector, error) {
		endpoints, err := cfg.Signaling.Endpoints()
		if err != nil {
			return nil, err
		}
		return signaling.Dial(ctx, signaling.Endpoints{
			WebSocketURL:   endpoints.WebSocketURL,
			PollConfigURL:  endpoints.PollConfigURL,
			PollConnectURL: endpoints.PollConnectURL,
			PollForwardURL: endpoints.PollForwardURL,
			PollMessageURL: endpoints.PollMessageURL,
		}, logger)
	}
	return s
}

func iceServers(configured []config.ICEServerConfig) []peer.ICEServer {
	servers := make([]peer.ICEServer, 0, len(configured))
	for _, server := range configured {
		servers = append(servers, peer.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return servers
}

// iceFactory builds pion transports that use the signaling server's
// ICE servers followed by the locally configured ones.
func iceFactory(extra []peer.ICEServer, logger *slog.Logger) peer.Factory {
	return func(fromServer []peer.ICEServer) (peer.Transport, error) {
		transport, err := peer.NewPionTransport(peer.PionConfig{
			ICEServers: mergeICEServers(fromServer, extra),
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return transport, nil
	}
}

func mergeICEServers(fromServer, extra []peer.ICEServer) []peer.ICEServer {
	merged := make([]peer.ICEServer, 0, len(fromServer)+len(extra))
	merged = append(merged, fromServer...)
	return append(merged, extra...)
}

// deviceID picks the device named on the command line, falling back to
// the config file.
func (s *session) deviceID(args []string) (string, []string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], args[1:], nil
	}
	if s.config.DeviceID != "" {
		return s.config.DeviceID, args, nil
	}
	return "", nil, cli.Validation("device id required").
		WithHint("Pass the device id as the first argument or set device_id in the config file.")
}

type connectOptions struct {
	microphone bool
	camera     bool
}

// connect dials the signaling server and connects to deviceID.
func (s *session) connect(ctx context.Context, deviceID string, options connectOptions) (*device.Connection, error) {
	connector, err := s.openConnector(ctx)
	if err != nil {
		return nil, cli.Transient("reaching signaling server: %w", err).
			WithHint("Check signaling.server in the config file.")
	}

	watchdog, err := s.config.ADB.Watchdog()
	if err != nil {
		connector.Close()
		return nil, cli.Validation("%w", err)
	}

	deviceConfig := device.Config{
		Connector: connector,
		Factory:   s.factory,
		Adb: adb.BridgeConfig{
			Identity:        s.config.ADB.Identity,
			WatchdogTimeout: watchdog,
		},
		CameraLowWater: s.config.Channels.CameraLowWater,
		Logger:         s.logger,
	}
	if options.microphone {
		deviceConfig.Microphone = device.SampleSource("audio", nil)
	}
	if options.camera {
		deviceConfig.Camera = device.SampleSource("video", nil)
	}

	connection, err := device.Connect(ctx, deviceID, deviceConfig)
	if err != nil {
		return nil, classifyConnectError(deviceID, err)
	}

	if options.microphone {
		if attached, err := connection.UseMic(ctx, true); err != nil || !attached {
			s.logger.Warn("microphone not attached", "error", err)
		}
	}
	if options.camera {
		if attached, err := connection.UseCamera(ctx, true); err != nil || !attached {
			s.logger.Warn("camera not attached", "error", err)
		}
	}
	return connection, nil
}

// classifyConnectError maps a device.Connect failure to a CLI category.
func classifyConnectError(deviceID string, err error) error {
	var serverErr *signaling.ServerError
	if errors.As(err, &serverErr) {
		return cli.NotFound("device %q: %w", deviceID, err)
	}
	var negotiationErr *signaling.NegotiationError
	if errors.As(err, &negotiationErr) && negotiationErr.Op == "setup" {
		return cli.Internal("device %q: %w", deviceID, err)
	}
	if errors.Is(err, context.Canceled) {
		return cli.Transient("device %q: interrupted: %w", deviceID, err)
	}
	return cli.Transient("device %q: %w", deviceID, err)
}

// waitForDisconnect blocks until ctx is done or the peer connection
// fails or closes. It reports whether the connection was lost.
func waitForDisconnect(ctx context.Context, connection *device.Connection) bool {
	lost := make(chan struct{})
	var once sync.Once
	connection.OnConnectionStateChange(func(state peer.ConnectionState) {
		if state == peer.ConnectionStateFailed || state == peer.ConnectionStateClosed {
			once.Do(func() { close(lost) })
		}
	})
	// The connection may have dropped before the handler was registered.
	if state := connection.State(); state == signaling.StateFailed || state == signaling.StateClosed {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-lost:
		return true
	}
}
