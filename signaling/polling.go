// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/devlink/lib/clock"
	"github.com/bureau-foundation/devlink/lib/netutil"
)

const (
	// InitialPollDelay is the poll interval after messages arrive.
	InitialPollDelay = time.Second

	// MaxPollDelay caps the exponential poll backoff.
	MaxPollDelay = 60 * time.Second

	pollRequestTimeout = 30 * time.Second
)

// PollingConfig configures a PollingConnector.
type PollingConfig struct {
	ConfigURL  string
	ConnectURL string
	ForwardURL string
	PollURL    string

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client

	// Clock drives the poll backoff. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// PollingConnector is a Connector over the signaling server's HTTP
// endpoints. Device messages are fetched by polling with exponential
// backoff from InitialPollDelay to MaxPollDelay, reset whenever
// messages arrive. Responses to forwarded messages carry device
// messages too.
type PollingConnector struct {
	config PollingConfig
	client *http.Client
	clock  clock.Clock
	logger *slog.Logger
	infra  InfraConfig

	mu           sync.Mutex
	connectionID string
	handler      func(json.RawMessage)
	polling      bool

	// deliverMu keeps device messages from the poller and from
	// forward responses in server order.
	deliverMu sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	pollDone  chan struct{}
	closeOnce sync.Once
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
}

type connectResponse struct {
	ConnectionID json.RawMessage `json:"connection_id"`
	DeviceInfo   json.RawMessage `json:"device_info"`
}

type forwardRequest struct {
	ConnectionID json.RawMessage `json:"connection_id"`
	Payload      any             `json:"payload"`
}

type pollRequest struct {
	ConnectionID json.RawMessage `json:"connection_id"`
}

// NewPollingConnector fetches the infrastructure config from
// config.ConfigURL and returns a connector ready for RequestDevice.
func NewPollingConnector(ctx context.Context, config PollingConfig) (*PollingConnector, error) {
	for name, url := range map[string]string{
		"config":  config.ConfigURL,
		"connect": config.ConnectURL,
		"forward": config.ForwardURL,
		"poll":    config.PollURL,
	} {
		if url == "" {
			return nil, fmt.Errorf("polling connector: %s URL is required", name)
		}
	}

	connector := &PollingConnector{
		config:   config,
		client:   config.HTTPClient,
		clock:    config.Clock,
		logger:   config.Logger,
		done:     make(chan struct{}),
		pollDone: make(chan struct{}),
	}
	if connector.client == nil {
		connector.client = &http.Client{Timeout: pollRequestTimeout}
	}
	if connector.clock == nil {
		connector.clock = clock.Real()
	}
	if connector.logger == nil {
		connector.logger = slog.Default()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, config.ConfigURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building config request: %w", err)
	}
	if err := connector.do(request, &connector.infra); err != nil {
		return nil, fmt.Errorf("fetching signaling config: %w", err)
	}
	return connector, nil
}

func (c *PollingConnector) OnDeviceMessage(handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// RequestDevice posts the connect request and starts polling.
func (c *PollingConnector) RequestDevice(ctx context.Context, deviceID string) (Device, error) {
	var response connectResponse
	if err := c.postJSON(ctx, c.config.ConnectURL, connectRequest{DeviceID: deviceID}, &response); err != nil {
		return Device{}, fmt.Errorf("requesting device %q: %w", deviceID, err)
	}
	if len(response.ConnectionID) == 0 {
		return Device{}, fmt.Errorf("requesting device %q: server returned no connection id", deviceID)
	}

	c.mu.Lock()
	c.connectionID = string(response.ConnectionID)
	if !c.polling {
		pollContext, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.polling = true
		go c.pollLoop(pollContext)
	}
	c.mu.Unlock()

	return Device{Info: response.DeviceInfo, Infra: c.infra}, nil
}

// SendToDevice forwards message. Device messages returned in the
// response are delivered before SendToDevice returns.
func (c *PollingConnector) SendToDevice(ctx context.Context, message any) error {
	connectionID, err := c.connection()
	if err != nil {
		return err
	}
	var messages []json.RawMessage
	if err := c.postJSON(ctx, c.config.ForwardURL, forwardRequest{ConnectionID: connectionID, Payload: message}, &messages); err != nil {
		return fmt.Errorf("forwarding to device: %w", err)
	}
	c.deliver(messages)
	return nil
}

// Close stops polling.
func (c *PollingConnector) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		polling := c.polling
		cancel := c.cancel
		c.mu.Unlock()
		if polling {
			cancel()
			<-c.pollDone
		}
	})
	return nil
}

func (c *PollingConnector) connection() (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConnectorClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectionID == "" {
		return nil, errors.New("signaling: no device requested")
	}
	return json.RawMessage(c.connectionID), nil
}

func (c *PollingConnector) pollLoop(ctx context.Context) {
	defer close(c.pollDone)

	delay := InitialPollDelay
	for {
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return
		}

		connectionID, err := c.connection()
		if err != nil {
			return
		}
		var messages []json.RawMessage
		err = c.postJSON(ctx, c.config.PollURL, pollRequest{ConnectionID: connectionID}, &messages)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("polling for device messages failed", "error", err, "retry_in", delay)
		}

		delay = nextPollDelay(delay, len(messages))
		c.deliver(messages)
	}
}

// nextPollDelay doubles delay up to MaxPollDelay, or resets it to
// InitialPollDelay when the last poll returned messages.
func nextPollDelay(delay time.Duration, received int) time.Duration {
	if received > 0 {
		return InitialPollDelay
	}
	return min(MaxPollDelay, 2*delay)
}

func (c *PollingConnector) deliver(messages []json.RawMessage) {
	if len(messages) == 0 {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		c.logger.Warn("dropping device messages with no handler", "count", len(messages))
		return
	}
	for _, message := range messages {
		handler(message)
	}
}

func (c *PollingConnector) postJSON(ctx context.Context, url string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Cache-Control", "no-cache")
	return c.do(request, result)
}

func (c *PollingConnector) do(request *http.Request, result any) error {
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", request.Method, request.URL, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return netutil.DecodeResponse(response.Body, result)
}
