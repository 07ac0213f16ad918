// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestChecksum(t *testing.T) {
	if got := Checksum(nil); got != 0 {
		t.Errorf("Checksum(nil) = %d, want 0", got)
	}
	if got := Checksum([]byte{}); got != 0 {
		t.Errorf("Checksum(empty) = %d, want 0", got)
	}
	if got := Checksum([]byte{1, 2, 0xff}); got != 258 {
		t.Errorf("Checksum = %d, want 258", got)
	}
}

func TestCommandMagic(t *testing.T) {
	tests := []struct {
		command Command
		tag     string
		magic   uint32
	}{
		{CommandConnect, "CNXN", 0xb1a7b1bc},
		{CommandOpen, "OPEN", 0xb1baafb0},
		{CommandWrite, "WRTE", 0xbaabada8},
		{CommandOkay, "OKAY", 0xa6beb4b0},
	}
	for _, test := range tests {
		if got := test.command.String(); got != test.tag {
			t.Errorf("String() = %q, want %q", got, test.tag)
		}
		if got := test.command.Magic(); got != test.magic {
			t.Errorf("%s magic = 0x%08x, want 0x%08x", test.tag, got, test.magic)
		}
	}
	if got := Command(0x12345678).String(); got != "0x12345678" {
		t.Errorf("unknown command String() = %q", got)
	}
}

// TestMarshalConnect checks the exact wire layout of a handshake frame.
func TestMarshalConnect(t *testing.T) {
	payload := []byte("Cray_II:1234:whatever\x00")
	if len(payload) != 22 {
		t.Fatalf("test payload is %d bytes, want 22", len(payload))
	}

	encoded := Message{
		Command: CommandConnect,
		Arg0:    0x01000000,
		Arg1:    0x40000,
		Payload: payload,
	}.Marshal()

	if len(encoded) != 46 {
		t.Fatalf("encoded length = %d, want 46", len(encoded))
	}
	checks := []struct {
		name   string
		offset int
		want   uint32
	}{
		{"command", 0, 0x4e584e43},
		{"arg0", 4, 0x01000000},
		{"arg1", 8, 0x40000},
		{"length", 12, 22},
		{"checksum", 16, Checksum(payload)},
		{"magic", 20, 0xb1a7b1bc},
	}
	for _, check := range checks {
		got := binary.LittleEndian.Uint32(encoded[check.offset : check.offset+4])
		if got != check.want {
			t.Errorf("%s = 0x%08x, want 0x%08x", check.name, got, check.want)
		}
	}
	if !bytes.Equal(encoded[HeaderSize:], payload) {
		t.Errorf("payload = %q, want %q", encoded[HeaderSize:], payload)
	}
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	original := Message{Command: CommandWrite, Arg0: 5, Arg1: 666, Payload: []byte("hello")}
	decoded, consumed, err := decodeFrame(original.Marshal())
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if consumed != HeaderSize+5 {
		t.Errorf("consumed = %d, want %d", consumed, HeaderSize+5)
	}
	if decoded.Command != original.Command || decoded.Arg0 != 5 || decoded.Arg1 != 666 {
		t.Errorf("decoded = %v, want %v", decoded, original)
	}
	if string(decoded.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", decoded.Payload, "hello")
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	encoded := Message{Command: CommandWrite, Arg0: 1, Arg1: 2, Payload: []byte("abc")}.Marshal()
	for _, length := range []int{0, 10, HeaderSize, len(encoded) - 1} {
		_, consumed, err := decodeFrame(encoded[:length])
		if err != nil || consumed != 0 {
			t.Errorf("decodeFrame(%d bytes) = (%d, %v), want (0, nil)", length, consumed, err)
		}
	}
}

func TestDecodeFrameBadMagic(t *testing.T) {
	encoded := Message{Command: CommandOkay, Arg0: 1, Arg1: 2}.Marshal()
	encoded[20] ^= 0xff

	_, consumed, err := decodeFrame(encoded)
	var framingError *FramingError
	if !errors.As(err, &framingError) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
	if consumed != 0 {
		t.Errorf("consumed = %d, want 0", consumed)
	}
	if framingError.Command != CommandOkay {
		t.Errorf("FramingError.Command = %s, want OKAY", framingError.Command)
	}
}

func TestDecodeFrameChecksumMismatch(t *testing.T) {
	encoded := Message{Command: CommandWrite, Arg0: 5, Arg1: 666, Payload: []byte("data")}.Marshal()
	binary.LittleEndian.PutUint32(encoded[16:20], 1)

	message, consumed, err := decodeFrame(encoded)
	var checksumError *ChecksumError
	if !errors.As(err, &checksumError) {
		t.Fatalf("err = %v, want *ChecksumError", err)
	}
	if consumed != len(encoded) {
		t.Errorf("consumed = %d, want %d", consumed, len(encoded))
	}
	if string(message.Payload) != "data" {
		t.Errorf("payload = %q, want %q", message.Payload, "data")
	}
	if checksumError.Declared != 1 || checksumError.Actual != Checksum([]byte("data")) {
		t.Errorf("ChecksumError = %+v", checksumError)
	}
}

func TestChecksumWraps(t *testing.T) {
	if got := Checksum([]byte{0x80, 0xff}); got != 0x17f {
		t.Errorf("Checksum(0x80, 0xff) = 0x%x, want 0x17f", got)
	}
	// 16843010 bytes of 0xff sum to 2^32 + 254.
	payload := bytes.Repeat([]byte{0xff}, 16843010)
	if got := Checksum(payload); got != 254 {
		t.Errorf("wrapped Checksum = %d, want 254", got)
	}
}

func TestMessageRoundTripAllCommands(t *testing.T) {
	large := make([]byte, MaxPayload)
	for index := range large {
		large[index] = byte(index * 7)
	}
	payloads := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"max", large},
	}
	for _, command := range []Command{CommandConnect, CommandOpen, CommandWrite, CommandOkay} {
		for _, payload := range payloads {
			t.Run(command.String()+"/"+payload.name, func(t *testing.T) {
				original := Message{Command: command, Arg0: 0x01000000, Arg1: 0xdeadbeef, Payload: payload.payload}
				encoded := original.Marshal()
				if len(encoded) != HeaderSize+len(payload.payload) {
					t.Fatalf("encoded length = %d, want %d", len(encoded), HeaderSize+len(payload.payload))
				}

				decoded, consumed, err := decodeFrame(encoded)
				if err != nil {
					t.Fatalf("decodeFrame: %v", err)
				}
				if consumed != len(encoded) {
					t.Errorf("consumed = %d, want %d", consumed, len(encoded))
				}
				if decoded.Command != command || decoded.Arg0 != original.Arg0 || decoded.Arg1 != original.Arg1 {
					t.Errorf("decoded = %s, want %s", decoded, original)
				}
				if !bytes.Equal(decoded.Payload, payload.payload) {
					t.Errorf("payload differs after round trip (%d bytes, want %d)", len(decoded.Payload), len(payload.payload))
				}
			})
		}
	}
}

func TestDecodeFramePayloadTooLarge(t *testing.T) {
	header := Message{Command: CommandWrite, Arg0: 1, Arg1: 666}.Marshal()

	binary.LittleEndian.PutUint32(header[12:16], MaxPayload)
	if _, consumed, err := decodeFrame(header); err != nil || consumed != 0 {
		t.Errorf("header declaring MaxPayload = (%d, %v), want an incomplete frame", consumed, err)
	}

	binary.LittleEndian.PutUint32(header[12:16], MaxPayload+1)
	_, consumed, err := decodeFrame(header)
	var framingError *FramingError
	if !errors.As(err, &framingError) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
	if consumed != 0 {
		t.Errorf("consumed = %d, want 0", consumed)
	}
	if framingError.Length != MaxPayload+1 || framingError.Command != CommandWrite {
		t.Errorf("FramingError = %+v", framingError)
	}
}
