// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mux

// FrameChunkSize is the largest single message SendFrame emits.
const FrameChunkSize = 65535

// FrameTerminator is sent as a text message after the last chunk of a
// frame.
const FrameTerminator = "EOF"

// FlowControlledChannel is a Channel whose queue drains at the pace of
// the transport. Used for large binary payloads such as camera frames.
type FlowControlledChannel struct {
	*Channel
}

// SendFrame queues data as FrameChunkSize-byte binary chunks followed
// by the FrameTerminator text message. The frame's messages are queued
// atomically so concurrent frames never interleave.
func (f *FlowControlledChannel) SendFrame(data []byte) error {
	messages := make([]outbound, 0, len(data)/FrameChunkSize+2)
	for offset := 0; offset < len(data); offset += FrameChunkSize {
		end := min(offset+FrameChunkSize, len(data))
		messages = append(messages, outbound{data: append([]byte(nil), data[offset:end]...)})
	}
	messages = append(messages, outbound{data: []byte(FrameTerminator), text: true})

	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateFailed:
		return f.failedError()
	case stateClosed:
		return f.closedError()
	}
	f.queue = append(f.queue, messages...)
	return f.pumpLocked()
}
