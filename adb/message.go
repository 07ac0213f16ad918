// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of an encoded message header.
const HeaderSize = 24

// Command identifies a message type. The values are the little-endian
// encodings of the four-character tags.
type Command uint32

const (
	CommandConnect Command = 0x4e584e43 // CNXN
	CommandOpen    Command = 0x4e45504f // OPEN
	CommandWrite   Command = 0x45545257 // WRTE
	CommandOkay    Command = 0x59414b4f // OKAY
)

// String returns the four-character tag, or the hex value for a
// command this package does not know.
func (c Command) String() string {
	switch c {
	case CommandConnect, CommandOpen, CommandWrite, CommandOkay:
		var tag [4]byte
		binary.LittleEndian.PutUint32(tag[:], uint32(c))
		return string(tag[:])
	}
	return fmt.Sprintf("0x%08x", uint32(c))
}

// Magic returns the header's integrity word for c.
func (c Command) Magic() uint32 {
	return uint32(c) ^ 0xFFFFFFFF
}

// Message is one decoded ADB message. The payload length, checksum,
// and magic are derived when encoding and validated when decoding.
type Message struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// Checksum returns the unsigned 32-bit sum of the payload bytes. The
// sum wraps modulo 2^32.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Marshal encodes the message into its wire form.
func (m Message) Marshal() []byte {
	buffer := make([]byte, HeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buffer[0:4], uint32(m.Command))
	binary.LittleEndian.PutUint32(buffer[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(buffer[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(buffer[12:16], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(buffer[16:20], Checksum(m.Payload))
	binary.LittleEndian.PutUint32(buffer[20:24], m.Command.Magic())
	copy(buffer[HeaderSize:], m.Payload)
	return buffer
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d, %d, %d bytes)", m.Command, m.Arg0, m.Arg1, len(m.Payload))
}

// FramingError reports a header that cannot start a frame: its magic
// word does not match its command, or it declares a payload longer
// than MaxPayload. Everything after such a header in the same buffer
// is untrustworthy.
type FramingError struct {
	Command Command
	Magic   uint32
	// Length is set when the declared payload length was the problem.
	Length uint32
}

func (e *FramingError) Error() string {
	if e.Length > MaxPayload {
		return fmt.Sprintf("adb framing error: %s declares a %d byte payload (limit %d)",
			e.Command, e.Length, MaxPayload)
	}
	return fmt.Sprintf("adb framing error: magic 0x%08x does not match command %s (want 0x%08x)",
		e.Magic, e.Command, e.Command.Magic())
}

// ChecksumError reports a payload whose byte sum differs from the
// header. The message is still usable.
type ChecksumError struct {
	Command  Command
	Declared uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("adb checksum mismatch on %s: header says 0x%08x, payload sums to 0x%08x",
		e.Command, e.Declared, e.Actual)
}

// decodeFrame decodes the first message in data. It returns the number
// of bytes consumed, or zero when data does not yet hold a complete
// frame. A *FramingError is returned with zero consumed. A
// *ChecksumError is returned alongside a decoded message and a non-zero
// count.
func decodeFrame(data []byte) (Message, int, error) {
	if len(data) < HeaderSize {
		return Message{}, 0, nil
	}

	command := Command(binary.LittleEndian.Uint32(data[0:4]))
	magic := binary.LittleEndian.Uint32(data[20:24])
	if magic != command.Magic() {
		return Message{}, 0, &FramingError{Command: command, Magic: magic}
	}

	length := binary.LittleEndian.Uint32(data[12:16])
	if length > MaxPayload {
		return Message{}, 0, &FramingError{Command: command, Magic: magic, Length: length}
	}
	total := HeaderSize + int(length)
	if len(data) < total {
		return Message{}, 0, nil
	}

	message := Message{
		Command: command,
		Arg0:    binary.LittleEndian.Uint32(data[4:8]),
		Arg1:    binary.LittleEndian.Uint32(data[8:12]),
		Payload: append([]byte(nil), data[HeaderSize:total]...),
	}

	declared := binary.LittleEndian.Uint32(data[16:20])
	if actual := Checksum(message.Payload); actual != declared {
		return message, total, &ChecksumError{Command: command, Declared: declared, Actual: actual}
	}
	return message, total, nil
}
