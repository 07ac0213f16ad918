// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/devlink/cmd/devlink/cli"
)

// escapeByte (Ctrl-]) ends an interactive shell.
const escapeByte = 0x1d

func shellCommand(s *session) *cli.Command {
	var (
		timeout time.Duration
		idle    time.Duration
	)
	return &cli.Command{
		Name:    "shell",
		Summary: "Open an ADB shell on a device",
		Description: `Run a shell command on the device over its ADB channel, or start an
interactive shell when no command is given. Press Ctrl-] to leave an
interactive shell.

A command's output ends when the device has been silent for --idle.`,
		Usage: "devlink shell [flags] <device> [command...]",
		Examples: []cli.Example{
			{Command: "devlink shell cvd-1 getprop ro.build.version.release"},
			{Description: "Interactive shell", Command: "devlink shell cvd-1"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("shell", pflag.ContinueOnError)
			flagSet.SetInterspersed(false)
			flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the device to connect")
			flagSet.DurationVar(&idle, "idle", 2*time.Second, "exit a command after this long without output")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			deviceID, rest, err := s.deviceID(args)
			if err != nil {
				return err
			}
			command := strings.Join(rest, " ")

			connectCtx, cancel := context.WithTimeout(ctx, timeout)
			connection, err := s.connect(connectCtx, deviceID, connectOptions{})
			cancel()
			if err != nil {
				return err
			}
			defer connection.Close()

			options := shellOptions{command: command, idle: idle, stdout: s.stdout, logger: s.logger}
			if command == "" {
				options.stdin = os.Stdin
				options.idle = 0
				if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
					state, err := term.MakeRaw(fd)
					if err != nil {
						return cli.Internal("entering raw mode: %w", err)
					}
					defer term.Restore(fd, state)
				}
			}
			return runShell(ctx, connection.AdbBridge(), options)
		},
	}
}

// shellBridge is the part of adb.Bridge runShell drives.
type shellBridge interface {
	OnConnected(callback func())
	OnDisconnected(callback func())
	OnData(callback func([]byte))
	Init() error
	Shell(command string) error
	Write(data []byte) error
}

type shellOptions struct {
	command string
	// stdin, when set, is copied to the shell until EOF or escapeByte.
	stdin  io.Reader
	stdout io.Writer
	// idle ends the session after this long without output once output
	// has started. Zero waits indefinitely.
	idle   time.Duration
	logger *slog.Logger
}

// runShell performs the ADB handshake on bridge, opens the shell, and
// relays its output until the session ends.
func runShell(ctx context.Context, bridge shellBridge, options shellOptions) error {
	var (
		openOnce sync.Once
		lostOnce sync.Once
		opened   = make(chan struct{})
		lost     = make(chan struct{})
		activity = make(chan struct{}, 1)
	)

	// OnConnected fires for the daemon's CNXN and again for the OKAY
	// that acknowledges our OPEN.
	bridge.OnConnected(func() {
		openOnce.Do(func() {
			if err := bridge.Shell(options.command); err != nil {
				options.logger.Error("opening adb shell failed", "error", err)
				return
			}
			close(opened)
		})
	})
	bridge.OnDisconnected(func() {
		lostOnce.Do(func() { close(lost) })
	})
	bridge.OnData(func(data []byte) {
		if _, err := options.stdout.Write(data); err != nil {
			options.logger.Warn("writing shell output failed", "error", err)
		}
		select {
		case activity <- struct{}{}:
		default:
		}
	})

	if err := bridge.Init(); err != nil {
		return cli.Internal("starting adb: %w", err)
	}

	inputDone := make(chan struct{})
	if options.stdin != nil {
		go func() {
			defer close(inputDone)
			select {
			case <-opened:
			case <-ctx.Done():
				return
			}
			copyInput(bridge, options.stdin, options.logger)
		}()
	}

	var idleTimer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return cli.Transient("adb daemon stopped responding")
		case <-inputDone:
			return nil
		case <-activity:
			if options.idle > 0 {
				idleTimer = time.After(options.idle)
			}
		case <-idleTimer:
			return nil
		}
	}
}

// copyInput forwards input to the shell until EOF or escapeByte.
func copyInput(bridge shellBridge, input io.Reader, logger *slog.Logger) {
	buffer := make([]byte, 4096)
	for {
		count, err := input.Read(buffer)
		if count > 0 {
			chunk := buffer[:count]
			escape := bytes.IndexByte(chunk, escapeByte)
			if escape >= 0 {
				chunk = chunk[:escape]
			}
			if len(chunk) > 0 {
				if writeErr := bridge.Write(chunk); writeErr != nil {
					logger.Warn("sending shell input failed", "error", writeErr)
				}
			}
			if escape >= 0 {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
