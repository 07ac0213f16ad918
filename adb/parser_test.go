// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestParserSplitFrame(t *testing.T) {
	encoded := Message{Command: CommandWrite, Arg0: 5, Arg1: 666, Payload: []byte("hello")}.Marshal()

	var parser Parser
	messages, err := parser.Feed(encoded[:10])
	if err != nil {
		t.Fatalf("first Feed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("first Feed returned %d messages, want 0", len(messages))
	}
	if parser.Buffered() != 10 {
		t.Errorf("Buffered() = %d, want 10", parser.Buffered())
	}

	messages, err = parser.Feed(encoded[10:])
	if err != nil {
		t.Fatalf("second Feed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("second Feed returned %d messages, want 1", len(messages))
	}
	if string(messages[0].Payload) != "hello" || messages[0].Arg0 != 5 {
		t.Errorf("message = %v %q", messages[0], messages[0].Payload)
	}
	if parser.Buffered() != 0 {
		t.Errorf("Buffered() = %d after complete frame, want 0", parser.Buffered())
	}
}

func TestParserMultipleFramesAndTail(t *testing.T) {
	first := Message{Command: CommandOkay, Arg0: 7, Arg1: 666}.Marshal()
	second := Message{Command: CommandWrite, Arg0: 7, Arg1: 666, Payload: []byte("out")}.Marshal()
	third := Message{Command: CommandWrite, Arg0: 7, Arg1: 666, Payload: []byte("more")}.Marshal()

	stream := append(append(append([]byte{}, first...), second...), third[:HeaderSize+2]...)

	var parser Parser
	messages, err := parser.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Command != CommandOkay || messages[1].Command != CommandWrite {
		t.Errorf("commands = %s, %s", messages[0].Command, messages[1].Command)
	}
	if parser.Buffered() != HeaderSize+2 {
		t.Errorf("Buffered() = %d, want %d", parser.Buffered(), HeaderSize+2)
	}

	messages, err = parser.Feed(third[HeaderSize+2:])
	if err != nil || len(messages) != 1 || string(messages[0].Payload) != "more" {
		t.Fatalf("tail Feed = %v, %v", messages, err)
	}
}

func TestParserFramingErrorDropsBuffer(t *testing.T) {
	good := Message{Command: CommandOkay, Arg0: 1, Arg1: 666}.Marshal()
	bad := Message{Command: CommandWrite, Arg0: 1, Arg1: 666, Payload: []byte("x")}.Marshal()
	bad[20] ^= 0x01
	trailing := Message{Command: CommandOkay, Arg0: 2, Arg1: 666}.Marshal()

	stream := append(append(append([]byte{}, good...), bad...), trailing...)

	var parser Parser
	messages, err := parser.Feed(stream)
	var framingError *FramingError
	if !errors.As(err, &framingError) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
	if len(messages) != 1 || messages[0].Arg0 != 1 {
		t.Fatalf("messages before the bad header = %v, want one OKAY", messages)
	}
	if parser.Buffered() != 0 {
		t.Errorf("Buffered() = %d after framing error, want 0", parser.Buffered())
	}

	// The parser recovers on the next clean frame.
	messages, err = parser.Feed(trailing)
	if err != nil || len(messages) != 1 || messages[0].Arg0 != 2 {
		t.Fatalf("Feed after recovery = %v, %v", messages, err)
	}
}

func TestParserDeliversChecksumMismatch(t *testing.T) {
	encoded := Message{Command: CommandWrite, Arg0: 3, Arg1: 666, Payload: []byte("abc")}.Marshal()
	binary.LittleEndian.PutUint32(encoded[16:20], 0)

	var parser Parser
	messages, err := parser.Feed(encoded)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(messages) != 1 || string(messages[0].Payload) != "abc" {
		t.Fatalf("messages = %v, want the WRTE despite the checksum", messages)
	}
}

func TestParserReset(t *testing.T) {
	encoded := Message{Command: CommandOkay, Arg0: 1, Arg1: 666}.Marshal()

	var parser Parser
	parser.Feed(encoded[:5])
	parser.Reset()
	if parser.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after Reset", parser.Buffered())
	}
	messages, err := parser.Feed(encoded)
	if err != nil || len(messages) != 1 {
		t.Fatalf("Feed after Reset = %v, %v", messages, err)
	}
}

func TestParserEverySplitPoint(t *testing.T) {
	first := Message{Command: CommandOkay, Arg0: 7, Arg1: LocalID}
	second := Message{Command: CommandWrite, Arg0: 7, Arg1: LocalID, Payload: []byte("shell output")}
	stream := append(first.Marshal(), second.Marshal()...)

	for split := 0; split <= len(stream); split++ {
		var parser Parser
		head, err := parser.Feed(stream[:split])
		if err != nil {
			t.Fatalf("split %d: first Feed: %v", split, err)
		}
		tail, err := parser.Feed(stream[split:])
		if err != nil {
			t.Fatalf("split %d: second Feed: %v", split, err)
		}
		messages := append(head, tail...)
		if len(messages) != 2 {
			t.Fatalf("split %d: got %d messages, want 2", split, len(messages))
		}
		if messages[0].Command != CommandOkay || messages[0].Arg0 != 7 || len(messages[0].Payload) != 0 {
			t.Errorf("split %d: first = %s", split, messages[0])
		}
		if messages[1].Command != CommandWrite || string(messages[1].Payload) != "shell output" {
			t.Errorf("split %d: second = %s %q", split, messages[1], messages[1].Payload)
		}
		if parser.Buffered() != 0 {
			t.Errorf("split %d: Buffered() = %d, want 0", split, parser.Buffered())
		}
	}
}

func TestParserOversizedLengthDropsBuffer(t *testing.T) {
	good := Message{Command: CommandOkay, Arg0: 1, Arg1: LocalID}.Marshal()
	oversized := Message{Command: CommandWrite, Arg0: 1, Arg1: LocalID}.Marshal()
	binary.LittleEndian.PutUint32(oversized[12:16], MaxPayload+1)

	var parser Parser
	messages, err := parser.Feed(append(append([]byte{}, good...), oversized...))
	var framingError *FramingError
	if !errors.As(err, &framingError) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
	if len(messages) != 1 || messages[0].Command != CommandOkay {
		t.Errorf("messages = %v, want the OKAY before the bad header", messages)
	}
	if parser.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", parser.Buffered())
	}
}
