// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/devlink/peer"
)

type channelState int

const (
	statePending channelState = iota
	stateOpen
	stateFailed
	stateClosed
)

func (s channelState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateOpen:
		return "open"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("channelState(%d)", int(s))
}

type outbound struct {
	data []byte
	text bool
}

// Channel is one logical channel. All methods are safe for concurrent
// use.
type Channel struct {
	label  string
	logger *slog.Logger
	failed func(label string, err error)

	mu          sync.Mutex
	state       channelState
	dataChannel peer.DataChannel
	queue       []outbound
	cause       error
	handler     Handler

	// claimed is false for a remote channel nobody has awaited yet.
	claimed bool

	flowControlled bool
	lowWater       uint64
}

// Label returns the channel's label.
func (c *Channel) Label() string { return c.label }

// IsOpen reports whether the underlying data channel has opened and
// the channel has not since failed or closed.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Queued returns the number of sends waiting for the channel to open
// (or, on a flow-controlled channel, for the transport to drain).
func (c *Channel) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SetHandler replaces the inbound message handler.
func (c *Channel) SetHandler(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Send transmits a binary message, or queues it until the channel
// opens.
func (c *Channel) Send(data []byte) error {
	return c.enqueue(outbound{data: append([]byte(nil), data...)})
}

// SendText transmits a text message, or queues it until the channel
// opens.
func (c *Channel) SendText(text string) error {
	return c.enqueue(outbound{data: []byte(text), text: true})
}

func (c *Channel) enqueue(message outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateFailed:
		return c.failedError()
	case stateClosed:
		return c.closedError()
	}
	c.queue = append(c.queue, message)
	return c.pumpLocked()
}

func (c *Channel) failedError() error {
	return fmt.Errorf("channel %q: %w: %w", c.label, ErrChannelFailed, c.cause)
}

func (c *Channel) closedError() error {
	return fmt.Errorf("channel %q: %w", c.label, ErrChannelClosed)
}

// pumpLocked hands queued messages to the transport while the channel
// is open and, for flow-controlled channels, the transport's buffer is
// at or below the low-water mark. The caller holds c.mu, so a send
// issued concurrently with the open flush waits behind it.
func (c *Channel) pumpLocked() error {
	for len(c.queue) > 0 && c.state == stateOpen {
		if c.flowControlled && c.dataChannel.BufferedAmount() > c.lowWater {
			return nil
		}
		message := c.queue[0]
		c.queue[0] = outbound{}
		c.queue = c.queue[1:]

		var err error
		if message.text {
			err = c.dataChannel.SendText(string(message.data))
		} else {
			err = c.dataChannel.Send(message.data)
		}
		if err != nil {
			c.logger.Error("data channel send failed", "bytes", len(message.data), "error", err)
			return fmt.Errorf("sending on channel %q: %w", c.label, err)
		}
	}
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return nil
}

// claim hands a parked remote channel to the awaiting caller. It
// reports false when the channel was already claimed.
func (c *Channel) claim(handler Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return false
	}
	c.claimed = true
	c.handler = handler
	return true
}

// attachRemote binds a data channel announced by the remote side. It
// reports false when the channel already has one.
func (c *Channel) attachRemote(dataChannel peer.DataChannel) bool {
	c.mu.Lock()
	bound := c.dataChannel != nil
	c.mu.Unlock()
	if bound {
		return false
	}
	c.attach(dataChannel)
	return true
}

func (c *Channel) attach(dataChannel peer.DataChannel) {
	c.mu.Lock()
	c.dataChannel = dataChannel
	c.mu.Unlock()

	if c.flowControlled {
		dataChannel.SetBufferedAmountLowThreshold(c.lowWater)
		dataChannel.OnBufferedAmountLow(c.handleBufferedAmountLow)
	}
	dataChannel.OnOpen(c.handleOpen)
	dataChannel.OnClose(c.handleClose)
	dataChannel.OnError(c.handleError)
	dataChannel.OnMessage(c.handleMessage)

	// A remote channel can be open by the time it is announced.
	if dataChannel.Open() {
		c.handleOpen()
	}
}

func (c *Channel) handleOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePending {
		return
	}
	c.state = stateOpen
	c.logger.Debug("data channel open", "queued", len(c.queue))
	if err := c.pumpLocked(); err != nil {
		c.logger.Error("flushing queued sends failed", "error", err)
	}
}

func (c *Channel) handleBufferedAmountLow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pumpLocked(); err != nil {
		c.logger.Error("resuming flow-controlled sends failed", "error", err)
	}
}

func (c *Channel) handleError(err error) {
	c.mu.Lock()
	if c.state != statePending {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("data channel error", "state", state.String(), "error", err)
		return
	}
	c.state = stateFailed
	c.cause = err
	discarded := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.logger.Error("data channel failed before opening", "discarded_sends", discarded, "error", err)
	if c.failed != nil {
		c.failed(c.label, err)
	}
}

func (c *Channel) handleClose() {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateFailed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	discarded := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.logger.Debug("data channel closed", "discarded_sends", discarded)
}

func (c *Channel) handleMessage(message peer.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler == nil {
		c.logger.Warn("dropping message on channel without a handler", "bytes", len(message.Data))
		return
	}
	handler(message)
}

// Close closes the channel. Queued sends are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	dataChannel := c.dataChannel
	c.mu.Unlock()

	c.handleClose()
	if dataChannel != nil {
		return dataChannel.Close()
	}
	return nil
}
