// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"io"
	"sync"
)

// ErrAdbStreamBusy is returned by OpenAdbStream while another raw
// consumer holds the adb channel.
var ErrAdbStreamBusy = errors.New("device: adb channel already has a raw consumer")

// adbStream exposes the adb channel as a byte stream. Reads return
// device data in arrival order; writes are sent as single messages.
type adbStream struct {
	connection *Connection
	reader     *io.PipeReader
	writer     *io.PipeWriter
	closeOnce  sync.Once
}

// OpenAdbStream takes the adb channel away from the bridge and returns
// it as a stream, for relaying a host adb client's own protocol
// traffic. Closing the stream hands the channel back to the bridge.
func (c *Connection) OpenAdbStream() (io.ReadWriteCloser, error) {
	reader, writer := io.Pipe()
	stream := &adbStream{connection: c, reader: reader, writer: writer}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.onAdb != nil {
		return nil, ErrAdbStreamBusy
	}
	c.onAdb = stream.deliver
	c.adbStream = stream
	return stream, nil
}

func (s *adbStream) deliver(data []byte) {
	if _, err := s.writer.Write(data); err != nil {
		s.connection.logger.Debug("dropping adb data for closed stream", "bytes", len(data), "error", err)
	}
}

func (s *adbStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *adbStream) Write(p []byte) (int, error) {
	if err := s.connection.SendAdbMessage(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *adbStream) Close() error {
	s.closeOnce.Do(func() {
		s.connection.detachAdbStream(s)
		s.writer.Close()
		s.reader.Close()
	})
	return nil
}

func (c *Connection) detachAdbStream(stream *adbStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adbStream == stream {
		c.adbStream = nil
		c.onAdb = nil
	}
}
