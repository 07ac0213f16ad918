// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devlink/cmd/devlink/cli"
	"github.com/bureau-foundation/devlink/device"
)

func bluetoothCommand(s *session) *cli.Command {
	var timeout time.Duration
	return &cli.Command{
		Name:    "bluetooth",
		Summary: "Run a rootcanal console command on a device",
		Description: `Send a command to the device's virtual Bluetooth controller
(rootcanal) and print its reply.`,
		Usage: "devlink bluetooth [flags] <device> <command> [args...]",
		Examples: []cli.Example{
			{Description: "List rootcanal devices", Command: "devlink bluetooth cvd-1 list"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("bluetooth", pflag.ContinueOnError)
			flagSet.SetInterspersed(false)
			flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the reply")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) < 2 {
				return cli.Validation("expected <device> <command> [args...]")
			}
			command, err := device.EncodeBluetoothCommand(args[1], args[2:]...)
			if err != nil {
				return cli.Validation("%w", err)
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			connection, err := s.connect(ctx, args[0], connectOptions{})
			if err != nil {
				return err
			}
			defer connection.Close()

			reply, err := bluetoothRoundTrip(ctx, connection, command)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.stdout, reply)
			return nil
		},
	}
}

// bluetoothConsole is the part of device.Connection bluetoothRoundTrip
// needs.
type bluetoothConsole interface {
	OnBluetoothMessage(handler func([]byte))
	SendBluetoothMessage(message []byte) error
}

// bluetoothRoundTrip sends one encoded command and returns the decoded
// first reply.
func bluetoothRoundTrip(ctx context.Context, console bluetoothConsole, command []byte) (string, error) {
	replies := make(chan string, 1)
	console.OnBluetoothMessage(func(data []byte) {
		select {
		case replies <- device.DecodeBluetoothReply(data):
		default:
		}
	})
	if err := console.SendBluetoothMessage(command); err != nil {
		return "", cli.Internal("sending bluetooth command: %w", err)
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return "", cli.Transient("waiting for bluetooth reply: %w", ctx.Err())
	}
}
