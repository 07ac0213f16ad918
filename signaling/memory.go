// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Compile-time interface checks.
var (
	_ Connector = (*MemoryConnector)(nil)
	_ Connector = (*WebSocketConnector)(nil)
	_ Connector = (*PollingConnector)(nil)
)

// MemoryConnector is an in-process Connector for tests. It plays the
// part of both the signaling server and the device: the test reads
// what the client sent from Sent and injects device messages with
// Deliver.
type MemoryConnector struct {
	device Device

	mu        sync.Mutex
	handler   func(json.RawMessage)
	requested []string
	err       error
	closed    bool

	sent chan json.RawMessage
}

// NewMemoryConnector returns a connector whose RequestDevice yields
// device.
func NewMemoryConnector(device Device) *MemoryConnector {
	return &MemoryConnector{device: device, sent: make(chan json.RawMessage, 256)}
}

// FailRequests makes RequestDevice return err.
func (c *MemoryConnector) FailRequests(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *MemoryConnector) RequestDevice(_ context.Context, deviceID string) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Device{}, ErrConnectorClosed
	}
	c.requested = append(c.requested, deviceID)
	if c.err != nil {
		return Device{}, c.err
	}
	return c.device, nil
}

// Requested returns the device ids passed to RequestDevice.
func (c *MemoryConnector) Requested() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requested...)
}

func (c *MemoryConnector) SendToDevice(_ context.Context, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding device message: %w", err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectorClosed
	}
	c.sent <- data
	return nil
}

// Sent carries every message the client sent to the device, in order.
func (c *MemoryConnector) Sent() <-chan json.RawMessage {
	return c.sent
}

func (c *MemoryConnector) OnDeviceMessage(handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Deliver sends message to the client as if the device had sent it.
func (c *MemoryConnector) Deliver(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("no device message handler registered")
	}
	handler(data)
	return nil
}

func (c *MemoryConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
