// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type copyResult struct {
	bytesCopied int64
	err         error
}

// BridgeStreams copies bytes in both directions between a and b until
// either direction stops. Both streams are then closed so the other
// copy unblocks. The error from the direction that stopped first is
// returned unless it is an expected close (see IsExpectedCloseError).
func BridgeStreams(a, b io.ReadWriteCloser) error {
	done := make(chan copyResult, 2)

	go func() {
		bytesCopied, err := io.Copy(b, a)
		done <- copyResult{bytesCopied, err}
	}()
	go func() {
		bytesCopied, err := io.Copy(a, b)
		done <- copyResult{bytesCopied, err}
	}()

	first := <-done
	a.Close()
	b.Close()
	<-done

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return first.err
	}
	return nil
}

// IsExpectedCloseError reports whether err is an ordinary end of a
// stream: EOF, a closed connection or pipe, a broken pipe, or a
// connection reset. The ADB forwarder sees these whenever either the
// host adb client or the device side goes away, and does not log them
// as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
