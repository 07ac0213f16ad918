// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/devlink/lib/netutil"
)

// Forwarder exposes a device's raw adb-channel as a local TCP port so
// a stock host adb client can "adb connect" to it. The host client
// speaks the full ADB protocol itself; Forwarder only moves bytes.
//
// The adb-channel carries a single byte stream, so only one TCP client
// is served at a time. Further clients are closed immediately until
// the current one disconnects.
type Forwarder struct {
	// ListenAddr is the TCP address to listen on (e.g. "127.0.0.1:5555").
	ListenAddr string

	// Open returns the device's byte stream for a newly accepted
	// client. The stream is closed when the client disconnects.
	Open func() (io.ReadWriteCloser, error)

	// Logger receives structured log output. If nil, slog.Default() is
	// used.
	Logger *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	busy        atomic.Bool
	connections sync.WaitGroup
}

func (f *Forwarder) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Start binds the listener and serves clients in the background until
// Stop is called or ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	if f.ListenAddr == "" {
		return fmt.Errorf("adb forwarder: ListenAddr is required")
	}
	if f.Open == nil {
		return fmt.Errorf("adb forwarder: Open is required")
	}

	listener, err := net.Listen("tcp", f.ListenAddr)
	if err != nil {
		return fmt.Errorf("adb forwarder: listening on %s: %w", f.ListenAddr, err)
	}
	f.listener = listener

	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(f.done)
		f.acceptLoop(ctx)
	}()

	f.logger().Info("adb forwarder started", "listen_addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (f *Forwarder) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Stop closes the listener and waits for the active client to finish.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.listener != nil {
		f.listener.Close()
	}
	f.Wait()
}

// Wait blocks until the forwarder has stopped.
func (f *Forwarder) Wait() {
	if f.done != nil {
		<-f.done
	}
}

func (f *Forwarder) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := f.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				f.connections.Wait()
				return
			default:
				if netutil.IsExpectedCloseError(err) {
					f.connections.Wait()
					return
				}
				f.logger().Error("accept failed", "error", err)
				continue
			}
		}

		connectionCount++
		connectionID := connectionCount

		if !f.busy.CompareAndSwap(false, true) {
			f.logger().Warn("rejecting adb client, another is already attached",
				"connection_id", connectionID,
				"remote_addr", connection.RemoteAddr(),
			)
			connection.Close()
			continue
		}

		f.connections.Add(1)
		go func() {
			defer f.connections.Done()
			defer f.busy.Store(false)
			f.handleConnection(connection, connectionID)
		}()
	}
}

func (f *Forwarder) handleConnection(connection net.Conn, connectionID int64) {
	defer connection.Close()

	logger := f.logger().With("connection_id", connectionID)
	logger.Info("adb client attached", "remote_addr", connection.RemoteAddr())

	stream, err := f.Open()
	if err != nil {
		logger.Error("opening device adb stream failed", "error", err)
		return
	}

	if err := netutil.BridgeStreams(connection, stream); err != nil {
		logger.Debug("adb forwarding ended with error", "error", err)
	}
	logger.Info("adb client detached")
}
