// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"errors"
	"log/slog"
)

// Parser reassembles messages from an unframed byte stream. The zero
// value is ready to use and discards diagnostics; set Logger to see
// checksum and framing reports. A Parser is not safe for concurrent
// use.
type Parser struct {
	Logger *slog.Logger

	buffer []byte
}

// Feed appends data to the internal buffer and returns every message
// that is now complete, in stream order. Bytes of a trailing partial
// frame stay buffered for the next call.
//
// On a framing error Feed returns the messages decoded before the bad
// header together with the *FramingError, and discards the remainder
// of the buffer. Checksum mismatches are logged and the message is
// returned anyway.
func (p *Parser) Feed(data []byte) ([]Message, error) {
	p.buffer = append(p.buffer, data...)

	var messages []Message
	for {
		message, consumed, err := decodeFrame(p.buffer)

		var framing *FramingError
		if errors.As(err, &framing) {
			p.logger().Error("dropping adb receive buffer",
				"error", err,
				"discarded_bytes", len(p.buffer),
			)
			p.buffer = nil
			return messages, err
		}
		if consumed == 0 {
			break
		}

		var checksum *ChecksumError
		if errors.As(err, &checksum) {
			p.logger().Warn("delivering adb message despite checksum mismatch",
				"command", checksum.Command.String(),
				"declared", checksum.Declared,
				"actual", checksum.Actual,
			)
		}

		messages = append(messages, message)
		p.buffer = p.buffer[consumed:]
	}

	if len(p.buffer) == 0 {
		p.buffer = nil
	}
	return messages, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	return len(p.buffer)
}

// Reset discards any buffered partial frame.
func (p *Parser) Reset() {
	p.buffer = nil
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return discardLogger
}

var discardLogger = slog.New(slog.DiscardHandler)
