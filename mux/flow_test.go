// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"bytes"
	"errors"
	"testing"
)

func TestSendFrameChunksAndTerminates(t *testing.T) {
	multiplexer, transport := newTestMultiplexer(t)

	channel, err := multiplexer.CreateFlowControlledChannel("camera-data-channel", 1<<20)
	if err != nil {
		t.Fatalf("CreateFlowControlledChannel: %v", err)
	}
	dataChannel := transport.Channel("camera-data-channel")
	if dataChannel.Threshold() != 1<<20 {
		t.Errorf("threshold = %d, want %d", dataChannel.Threshold(), 1<<20)
	}
	dataChannel.SimulateOpen()

	frame := bytes.Repeat([]byte{0xab}, 2*FrameChunkSize+10)
	if err := channel.SendFrame(frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	sent := dataChannel.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent %d messages, want 3 chunks + terminator", len(sent))
	}
	for index, size := range []int{FrameChunkSize, FrameChunkSize, 10} {
		if len(sent[index].Data) != size || sent[index].IsString {
			t.Errorf("chunk %d = %d bytes (string=%v), want %d binary", index, len(sent[index].Data), sent[index].IsString, size)
		}
	}
	if !sent[3].IsString || string(sent[3].Data) != FrameTerminator {
		t.Errorf("terminator = %+v", sent[3])
	}

	var reassembled []byte
	for _, message := range sent[:3] {
		reassembled = append(reassembled, message.Data...)
	}
	if !bytes.Equal(reassembled, frame) {
		t.Errorf("reassembled frame differs")
	}
}

// TestFlowControlOneChunkInFlight uses a zero low-water mark so each
// chunk waits for the previous one to drain.
func TestFlowControlOneChunkInFlight(t *testing.T) {
	multiplexer, transport := newTestMultiplexer(t)

	channel, _ := multiplexer.CreateFlowControlledChannel("camera-data-channel", 0)
	dataChannel := transport.Channel("camera-data-channel")

	frame := bytes.Repeat([]byte{1}, FrameChunkSize+1)
	if err := channel.SendFrame(frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if len(dataChannel.Sent()) != 0 {
		t.Fatalf("sent before open")
	}

	dataChannel.SimulateOpen()
	if got := len(dataChannel.Sent()); got != 1 {
		t.Fatalf("after open: %d in flight, want 1", got)
	}
	if channel.Queued() != 2 {
		t.Errorf("Queued() = %d, want 2", channel.Queued())
	}

	// A plain send also waits its turn behind the frame.
	channel.SendText("after-frame")
	if got := len(dataChannel.Sent()); got != 1 {
		t.Fatalf("send overtook the backlog: %d sent", got)
	}

	dataChannel.Drain(0)
	if got := len(dataChannel.Sent()); got != 2 {
		t.Fatalf("after first drain: %d sent, want 2", got)
	}
	dataChannel.Drain(0)
	dataChannel.Drain(0)

	sent := dataChannel.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent %d, want 4", len(sent))
	}
	if string(sent[2].Data) != FrameTerminator || string(sent[3].Data) != "after-frame" {
		t.Errorf("tail = %q, %q", sent[2].Data, sent[3].Data)
	}
	if channel.Queued() != 0 {
		t.Errorf("Queued() = %d after draining", channel.Queued())
	}
}

func TestSendFrameEmpty(t *testing.T) {
	multiplexer, transport := newTestMultiplexer(t)
	channel, _ := multiplexer.CreateFlowControlledChannel("camera-data-channel", 0)
	transport.Channel("camera-data-channel").SimulateOpen()

	if err := channel.SendFrame(nil); err != nil {
		t.Fatalf("SendFrame(nil): %v", err)
	}
	sent := transport.Channel("camera-data-channel").Sent()
	if len(sent) != 1 || string(sent[0].Data) != FrameTerminator {
		t.Errorf("sent %+v, want just the terminator", sent)
	}
}

func TestSendFrameOnFailedChannel(t *testing.T) {
	multiplexer, transport := newTestMultiplexer(t)
	channel, _ := multiplexer.CreateFlowControlledChannel("camera-data-channel", 0)
	transport.Channel("camera-data-channel").SimulateError(errors.New("refused"))

	if err := channel.SendFrame([]byte("x")); !errors.Is(err, ErrChannelFailed) {
		t.Errorf("SendFrame = %v, want ErrChannelFailed", err)
	}
}
