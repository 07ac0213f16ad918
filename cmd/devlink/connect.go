// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devlink/adb"
	"github.com/bureau-foundation/devlink/cmd/devlink/cli"
	"github.com/bureau-foundation/devlink/device"
)

func connectCommand(s *session) *cli.Command {
	var (
		forwardAddress string
		microphone     bool
		camera         bool
	)
	return &cli.Command{
		Name:    "connect",
		Summary: "Connect to a device and stay connected",
		Description: `Connect to a device, print its descriptor as JSON, and log device
events until interrupted.

With --adb-forward, the device's ADB channel is exposed on a local TCP
port so a stock host adb can "adb connect" to it.`,
		Usage: "devlink connect <device> [flags]",
		Examples: []cli.Example{
			{
				Description: "Forward ADB to localhost",
				Command:     "devlink connect cvd-1 --adb-forward 127.0.0.1:6520",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("connect", pflag.ContinueOnError)
			flagSet.StringVar(&forwardAddress, "adb-forward", s.config.ADB.ForwardAddress, "local address to expose the device's ADB channel on")
			flagSet.BoolVar(&microphone, "mic", false, "attach a silent microphone track")
			flagSet.BoolVar(&camera, "camera", false, "attach a blank camera track")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			deviceID, rest, err := s.deviceID(args)
			if err != nil {
				return err
			}
			if len(rest) > 0 {
				return cli.Validation("unexpected arguments: %v", rest)
			}
			return s.runConnect(ctx, deviceID, forwardAddress, connectOptions{microphone: microphone, camera: camera})
		},
	}
}

func (s *session) runConnect(ctx context.Context, deviceID, forwardAddress string, options connectOptions) error {
	connection, err := s.connect(ctx, deviceID, options)
	if err != nil {
		return err
	}
	defer connection.Close()

	logger := s.logger.With("device_id", deviceID)
	connection.OnControlMessage(func(event device.ControlEvent) {
		logger.Info("device event", "event", event.EventName())
	})
	connection.OnStreamChange(func(stream device.Stream) {
		logger.Info("device stream", "stream_id", stream.ID, "tracks", len(stream.Tracks), "hidden", stream.Hidden)
	})
	connection.OnChannelFailure(func(label string, err error) {
		logger.Error("data channel failed", "label", label, "error", err)
	})

	encoder := json.NewEncoder(s.stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(connection.Descriptor()); err != nil {
		return cli.Internal("writing descriptor: %w", err)
	}

	if forwardAddress != "" {
		forwarder := &adb.Forwarder{
			ListenAddr: forwardAddress,
			Open:       connection.OpenAdbStream,
			Logger:     logger,
		}
		if err := forwarder.Start(ctx); err != nil {
			return cli.Validation("adb forward: %w", err)
		}
		defer func() {
			forwarder.Stop()
			forwarder.Wait()
		}()
		logger.Info("adb forwarding", "address", forwarder.Addr().String())
	}

	if waitForDisconnect(ctx, connection) {
		return cli.Transient("connection to %q lost", deviceID)
	}
	return nil
}
