// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func startForwarder(t *testing.T, open func() (io.ReadWriteCloser, error)) *Forwarder {
	t.Helper()
	forwarder := &Forwarder{
		ListenAddr: "127.0.0.1:0",
		Open:       open,
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	if err := forwarder.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(forwarder.Stop)
	return forwarder
}

// echoDevice returns an Open function whose stream echoes everything
// written to it, standing in for the device's adb daemon.
func echoDevice() func() (io.ReadWriteCloser, error) {
	return func() (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		go func() {
			defer remote.Close()
			io.Copy(remote, remote)
		}()
		return local, nil
	}
}

func TestForwarderRelaysBytes(t *testing.T) {
	forwarder := startForwarder(t, echoDevice())

	connection, err := net.Dial("tcp", forwarder.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer connection.Close()
	connection.SetDeadline(time.Now().Add(5 * time.Second))

	frame := Message{Command: CommandConnect, Arg0: ProtocolVersion, Arg1: MaxPayload, Payload: []byte("host::\x00")}.Marshal()
	if _, err := connection.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	echoed := make([]byte, len(frame))
	if _, err := io.ReadFull(connection, echoed); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	var parser Parser
	messages, err := parser.Feed(echoed)
	if err != nil || len(messages) != 1 || messages[0].Command != CommandConnect {
		t.Fatalf("echoed frame = %v, %v", messages, err)
	}
}

func TestForwarderRejectsSecondClient(t *testing.T) {
	forwarder := startForwarder(t, echoDevice())

	first, err := net.Dial("tcp", forwarder.Addr().String())
	if err != nil {
		t.Fatalf("Dial first: %v", err)
	}
	defer first.Close()
	first.SetDeadline(time.Now().Add(5 * time.Second))

	// Round-trip a byte so the first client is known to be attached.
	first.Write([]byte{1})
	if _, err := io.ReadFull(first, make([]byte, 1)); err != nil {
		t.Fatalf("first client read: %v", err)
	}

	second, err := net.Dial("tcp", forwarder.Addr().String())
	if err != nil {
		t.Fatalf("Dial second: %v", err)
	}
	defer second.Close()
	second.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = second.Read(make([]byte, 1))
	if err == nil {
		t.Fatalf("second client read succeeded, want closed connection")
	}
	var netError net.Error
	if errors.As(err, &netError) && netError.Timeout() {
		t.Fatalf("second client was left open")
	}
}

func TestForwarderOpenFailureClosesClient(t *testing.T) {
	forwarder := startForwarder(t, func() (io.ReadWriteCloser, error) {
		return nil, errors.New("adb channel not open")
	})

	connection, err := net.Dial("tcp", forwarder.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer connection.Close()
	connection.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := connection.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("Read = %v, want EOF", err)
	}
}

func TestForwarderStartValidation(t *testing.T) {
	if err := (&Forwarder{Open: echoDevice()}).Start(context.Background()); err == nil {
		t.Error("Start without ListenAddr succeeded")
	}
	if err := (&Forwarder{ListenAddr: "127.0.0.1:0"}).Start(context.Background()); err == nil {
		t.Error("Start without Open succeeded")
	}
}
