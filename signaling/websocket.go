// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	websocketWriteWait    = 5 * time.Second
	websocketPingInterval = 25 * time.Second
)

// Server envelope message types.
const (
	serverConnect    = "connect"
	serverForward    = "forward"
	serverConfig     = "config"
	serverDeviceInfo = "device_info"
	serverDeviceMsg  = "device_msg"
)

type clientEnvelope struct {
	MessageType string `json:"message_type"`
	DeviceID    string `json:"device_id,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

type serverEnvelope struct {
	MessageType string          `json:"message_type"`
	Error       string          `json:"error,omitempty"`
	DeviceInfo  json.RawMessage `json:"device_info,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ICEServers  json.RawMessage `json:"ice_servers,omitempty"`
}

// ServerError is an error reported by the signaling server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "signaling server: " + e.Message
}

type deviceResult struct {
	info json.RawMessage
	err  error
}

// WebSocketConnector is a Connector over the signaling server's
// WebSocket endpoint.
type WebSocketConnector struct {
	connection *websocket.Conn
	logger     *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	infra   InfraConfig
	pending chan deviceResult
	handler func(json.RawMessage)
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

// DialWebSocket opens the WebSocket at url and starts reading from it.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*WebSocketConnector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connection, response, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	logger.Debug("signaling websocket connected", "url", url)

	connector := &WebSocketConnector{
		connection: connection,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go connector.readLoop()
	go connector.pingLoop()
	return connector, nil
}

func (c *WebSocketConnector) OnDeviceMessage(handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *WebSocketConnector) RequestDevice(ctx context.Context, deviceID string) (Device, error) {
	result := make(chan deviceResult, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return Device{}, err
	}
	if c.pending != nil {
		c.mu.Unlock()
		return Device{}, errors.New("signaling: device request already in flight")
	}
	c.pending = result
	c.mu.Unlock()

	clearPending := func() {
		c.mu.Lock()
		if c.pending == result {
			c.pending = nil
		}
		c.mu.Unlock()
	}

	if err := c.writeJSON(clientEnvelope{MessageType: serverConnect, DeviceID: deviceID}); err != nil {
		clearPending()
		return Device{}, err
	}

	select {
	case outcome := <-result:
		if outcome.err != nil {
			return Device{}, fmt.Errorf("requesting device %q: %w", deviceID, outcome.err)
		}
		c.mu.Lock()
		infra := c.infra
		c.mu.Unlock()
		return Device{Info: outcome.info, Infra: infra}, nil
	case <-ctx.Done():
		clearPending()
		return Device{}, ctx.Err()
	case <-c.done:
		clearPending()
		return Device{}, ErrConnectorClosed
	}
}

func (c *WebSocketConnector) SendToDevice(_ context.Context, message any) error {
	return c.writeJSON(clientEnvelope{MessageType: serverForward, Payload: message})
}

// Close sends a close frame and closes the connection.
func (c *WebSocketConnector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.connection.SetWriteDeadline(time.Now().Add(2 * time.Second))
		c.connection.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.connection.Close()
	})
	return err
}

func (c *WebSocketConnector) writeJSON(envelope clientEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", envelope.MessageType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnectorClosed
	default:
	}
	c.connection.SetWriteDeadline(time.Now().Add(websocketWriteWait))
	if err := c.connection.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s message: %w", envelope.MessageType, err)
	}
	return nil
}

func (c *WebSocketConnector) pingLoop() {
	ticker := time.NewTicker(websocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.connection.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			err := c.connection.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("signaling websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (c *WebSocketConnector) readLoop() {
	for {
		messageType, data, err := c.connection.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("signaling websocket read failed", "error", err)
			}
			c.fail(fmt.Errorf("signaling websocket closed: %w", err))
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("ignoring non-text signaling frame", "type", messageType)
			continue
		}

		var envelope serverEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Error("malformed signaling message", "error", err)
			continue
		}
		c.handleEnvelope(envelope, data)
	}
}

func (c *WebSocketConnector) handleEnvelope(envelope serverEnvelope, raw []byte) {
	if envelope.Error != "" {
		c.logger.Error("signaling server reported an error", "error", envelope.Error)
		c.resolvePending(deviceResult{err: &ServerError{Message: envelope.Error}})
		return
	}

	switch envelope.MessageType {
	case serverConfig:
		var infra InfraConfig
		if err := json.Unmarshal(raw, &infra); err != nil {
			c.logger.Error("malformed infrastructure config", "error", err)
			return
		}
		c.mu.Lock()
		c.infra = infra
		c.mu.Unlock()

	case serverDeviceInfo:
		if !c.resolvePending(deviceResult{info: envelope.DeviceInfo}) {
			c.logger.Error("received unsolicited device info")
		}

	case serverDeviceMsg:
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			c.logger.Warn("dropping device message with no handler")
			return
		}
		handler(envelope.Payload)

	default:
		c.logger.Error("unrecognized message type from server", "message_type", envelope.MessageType)
		c.resolvePending(deviceResult{err: fmt.Errorf("unrecognized message type from server: %q", envelope.MessageType)})
	}
}

// resolvePending completes the in-flight RequestDevice, reporting
// whether there was one.
func (c *WebSocketConnector) resolvePending(result deviceResult) bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if pending == nil {
		return false
	}
	pending <- result
	return true
}

func (c *WebSocketConnector) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.resolvePending(deviceResult{err: err})
}
