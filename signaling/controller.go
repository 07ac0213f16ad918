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

	"github.com/bureau-foundation/devlink/peer"
)

var (
	// ErrTransportFailed settles a negotiation whose peer connection
	// reported failure.
	ErrTransportFailed = errors.New("signaling: peer connection failed")

	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("signaling: controller closed")

	// ErrNotConnected is returned by Renegotiate before Connect.
	ErrNotConnected = errors.New("signaling: no peer connection")
)

// NegotiationError is returned by Connect and Renegotiate when a step
// of the negotiation fails.
type NegotiationError struct {
	// Op is the step that failed, such as "request device" or
	// "renegotiate".
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed during %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// State is the Controller's session state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SetupFunc runs after the transport is created and before
// negotiation starts, so channels and tracks created in it are part of
// the first offer.
type SetupFunc func(device Device, transport peer.Transport) error

// round is one negotiation in flight. It settles when the transport
// reports connected (after the remote answer, for rounds devlink
// offered) or failed.
type round struct {
	needAnswer bool
	answered   bool
	done       chan struct{}
	err        error
}

// Controller drives negotiation for one peer connection. Device
// messages are handled one at a time on a dedicated goroutine.
type Controller struct {
	connector Connector
	factory   peer.Factory
	logger    *slog.Logger

	// negotiation is a one-slot semaphore held for the whole of a
	// locally initiated negotiation, from offer to settle.
	negotiation chan struct{}

	mu        sync.Mutex
	state     State
	transport peer.Transport
	current   *round

	// Remote candidates that arrived before a remote description.
	pendingRemote []peer.ICECandidate

	// Local candidates gathered while a local description is being
	// applied and sent; flushed after the description goes out.
	holdLocal    bool
	pendingLocal []peer.ICECandidate

	onState          func(State)
	onTransportState func(peer.ConnectionState)

	inbox     []json.RawMessage
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewController returns an idle Controller that signals through
// connector and builds its transport with factory. The Controller owns
// connector from here on and closes it in Close.
func NewController(connector Connector, factory peer.Factory, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	controller := &Controller{
		connector:   connector,
		factory:     factory,
		logger:      logger,
		negotiation: make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	connector.OnDeviceMessage(controller.enqueue)
	go controller.dispatchLoop()
	return controller
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a callback for session state transitions.
func (c *Controller) OnStateChange(callback func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = callback
}

// OnTransportStateChange registers a callback for the raw peer
// connection state, including transient disconnects.
func (c *Controller) OnTransportStateChange(callback func(peer.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportState = callback
}

// Transport returns the peer connection, or nil before Connect.
func (c *Controller) Transport() peer.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Connect requests deviceID from the signaling server, creates the
// transport, runs setup, asks the device for an offer, and waits until
// the peer connection is up.
func (c *Controller) Connect(ctx context.Context, deviceID string, setup SetupFunc) (Device, error) {
	c.mu.Lock()
	if c.state != StateIdle || c.transport != nil {
		state := c.state
		c.mu.Unlock()
		return Device{}, &NegotiationError{Op: "connect", Err: fmt.Errorf("controller is %s", state)}
	}
	c.mu.Unlock()

	device, err := c.connector.RequestDevice(ctx, deviceID)
	if err != nil {
		return Device{}, &NegotiationError{Op: "request device", Err: err}
	}
	c.logger.Info("device available", "device_id", deviceID, "ice_servers", len(device.Infra.ICEServers))

	transport, err := c.factory(device.Infra.ICEServers)
	if err != nil {
		return Device{}, &NegotiationError{Op: "create transport", Err: err}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		transport.Close()
		return Device{}, &NegotiationError{Op: "connect", Err: ErrClosed}
	}
	c.transport = transport
	c.mu.Unlock()

	transport.OnICECandidate(c.handleLocalCandidate)
	transport.OnConnectionStateChange(c.handleTransportState)

	if setup != nil {
		if err := setup(device, transport); err != nil {
			c.fail(err)
			return Device{}, &NegotiationError{Op: "setup", Err: err}
		}
	}

	err = c.negotiate(ctx, "connect", false, func() error {
		return c.connector.SendToDevice(ctx, requestOfferMessage{
			Type:       TypeRequestOffer,
			ICEServers: device.Infra.ICEServers,
		})
	})
	return device, err
}

// Renegotiate sends a fresh offer and waits until the device's answer
// is applied and the peer connection is connected, or it fails. Calls
// are serialized with each other and with Connect.
func (c *Controller) Renegotiate(ctx context.Context) error {
	transport := c.Transport()
	if transport == nil {
		return &NegotiationError{Op: "renegotiate", Err: ErrNotConnected}
	}
	return c.negotiate(ctx, "renegotiate", true, func() error {
		c.logger.Debug("re-negotiating connection")
		offer, err := transport.CreateOffer()
		if err != nil {
			return err
		}
		return c.sendLocalDescription(ctx, transport, offer)
	})
}

// Close tears down the peer connection and the connector. Negotiations
// in flight settle with ErrClosed.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		notify := c.setStateLocked(StateClosed)
		c.settleLocked(ErrClosed)
		transport := c.transport
		c.mu.Unlock()

		close(c.done)
		notify()

		if transport != nil {
			err = transport.Close()
		}
		if closeErr := c.connector.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

// negotiate runs work as a new round while holding the negotiation
// semaphore, then waits for the round to settle.
func (c *Controller) negotiate(ctx context.Context, op string, needAnswer bool, work func() error) error {
	select {
	case c.negotiation <- struct{}{}:
	case <-ctx.Done():
		return &NegotiationError{Op: op, Err: ctx.Err()}
	case <-c.done:
		return &NegotiationError{Op: op, Err: ErrClosed}
	}
	defer func() { <-c.negotiation }()

	current := &round{needAnswer: needAnswer, done: make(chan struct{})}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return &NegotiationError{Op: op, Err: ErrClosed}
	}
	c.current = current
	previous := c.state
	notify := c.setStateLocked(StateNegotiating)
	c.mu.Unlock()
	notify()

	if err := work(); err != nil {
		c.logger.Error("negotiation step failed", "op", op, "error", err)
		c.failRound(current, err)
		return &NegotiationError{Op: op, Err: err}
	}

	select {
	case <-current.done:
	case <-ctx.Done():
		c.abandonRound(current, previous, ctx.Err())
		return &NegotiationError{Op: op, Err: ctx.Err()}
	}
	if current.err != nil {
		return &NegotiationError{Op: op, Err: current.err}
	}
	return nil
}

// sendLocalDescription applies description locally and sends it to the
// device. Local candidates gathered meanwhile are held and sent after
// the description.
func (c *Controller) sendLocalDescription(ctx context.Context, transport peer.Transport, description peer.SessionDescription) error {
	c.mu.Lock()
	c.holdLocal = true
	c.mu.Unlock()
	defer c.flushLocalCandidates(ctx)

	if err := transport.SetLocalDescription(description); err != nil {
		return err
	}
	return c.connector.SendToDevice(ctx, descriptionMessage{Type: string(description.Type), SDP: description.SDP})
}

func (c *Controller) flushLocalCandidates(ctx context.Context) {
	c.mu.Lock()
	pending := c.pendingLocal
	c.pendingLocal = nil
	c.holdLocal = false
	c.mu.Unlock()

	for _, candidate := range pending {
		c.sendCandidate(ctx, candidate)
	}
}

func (c *Controller) handleLocalCandidate(candidate peer.ICECandidate) {
	c.mu.Lock()
	if c.holdLocal {
		c.pendingLocal = append(c.pendingLocal, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(context.Background(), candidate)
}

func (c *Controller) sendCandidate(ctx context.Context, candidate peer.ICECandidate) {
	c.logger.Debug("sending local ICE candidate", "candidate", candidate.Candidate)
	err := c.connector.SendToDevice(ctx, candidateMessage{Type: TypeICECandidate, Candidate: candidate})
	if err != nil {
		c.logger.Warn("sending ICE candidate failed", "error", err)
	}
}

func (c *Controller) handleTransportState(state peer.ConnectionState) {
	c.mu.Lock()
	callback := c.onTransportState
	notify := func() {}
	switch state {
	case peer.ConnectionStateConnected:
		if c.current == nil {
			if c.state == StateNegotiating {
				notify = c.setStateLocked(StateConnected)
			}
		} else if !c.current.needAnswer || c.current.answered {
			notify = c.settleLocked(nil)
		}
	case peer.ConnectionStateFailed:
		if c.current != nil {
			notify = c.settleLocked(ErrTransportFailed)
		} else {
			notify = c.setStateLocked(StateFailed)
		}
	case peer.ConnectionStateClosed:
		notify = c.setStateLocked(StateClosed)
		c.settleLocked(ErrClosed)
	case peer.ConnectionStateDisconnected:
		c.logger.Warn("peer connection disconnected")
	}
	c.mu.Unlock()

	notify()
	if callback != nil {
		callback(state)
	}
}

// settleLocked completes the current round with err and moves to
// connected or failed. It returns the state-change notification to run
// after unlocking.
func (c *Controller) settleLocked(err error) func() {
	current := c.current
	if current == nil {
		return func() {}
	}
	c.current = nil
	current.err = err
	close(current.done)
	if err != nil {
		return c.setStateLocked(StateFailed)
	}
	return c.setStateLocked(StateConnected)
}

// setStateLocked records a transition. Closed is terminal.
func (c *Controller) setStateLocked(state State) func() {
	if c.state == state || c.state == StateClosed {
		return func() {}
	}
	previous := c.state
	c.state = state
	callback := c.onState
	logger := c.logger
	return func() {
		logger.Info("signaling state changed", "from", previous.String(), "to", state.String())
		if callback != nil {
			callback(state)
		}
	}
}

// fail marks the session failed, settling the round in flight.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	var notify func()
	if c.current != nil {
		notify = c.settleLocked(err)
	} else {
		notify = c.setStateLocked(StateFailed)
	}
	c.mu.Unlock()
	notify()
}

func (c *Controller) failRound(current *round, err error) {
	c.mu.Lock()
	notify := func() {}
	if c.current == current {
		notify = c.settleLocked(err)
	}
	c.mu.Unlock()
	notify()
}

// abandonRound ends a round whose caller gave up. A renegotiation
// abandoned on a connected session returns it to connected; an
// abandoned initial negotiation leaves it failed.
func (c *Controller) abandonRound(current *round, previous State, err error) {
	c.mu.Lock()
	notify := func() {}
	if c.current == current {
		c.current = nil
		current.err = err
		close(current.done)
		if previous == StateConnected {
			notify = c.setStateLocked(StateConnected)
		} else {
			notify = c.setStateLocked(StateFailed)
		}
	}
	c.mu.Unlock()
	notify()
}

func (c *Controller) enqueue(message json.RawMessage) {
	c.mu.Lock()
	c.inbox = append(c.inbox, message)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		c.mu.Lock()
		batch := c.inbox
		c.inbox = nil
		c.mu.Unlock()

		for _, message := range batch {
			select {
			case <-c.done:
				return
			default:
			}
			c.handleDeviceMessage(message)
		}
	}
}

func (c *Controller) handleDeviceMessage(raw json.RawMessage) {
	var message deviceMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		c.logger.Error("malformed device message", "error", err)
		return
	}

	switch message.Type {
	case TypeOffer:
		if err := c.handleOffer(peer.SessionDescription{Type: peer.SDPTypeOffer, SDP: message.SDP}); err != nil {
			c.logger.Error("processing remote description (offer) failed", "error", err)
			c.fail(err)
		}
	case TypeAnswer:
		if err := c.handleAnswer(peer.SessionDescription{Type: peer.SDPTypeAnswer, SDP: message.SDP}); err != nil {
			c.logger.Error("processing remote description (answer) failed", "error", err)
			c.fail(err)
		}
	case TypeICECandidate:
		c.handleRemoteCandidate(message.iceCandidate())
	case TypeError:
		c.logger.Error("device responded with error message", "error", string(message.Error))
	default:
		c.logger.Error("unrecognized message type from device", "type", message.Type)
	}
}

func (c *Controller) handleOffer(offer peer.SessionDescription) error {
	transport := c.Transport()
	if transport == nil {
		return ErrNotConnected
	}
	c.logger.Debug("remote description (offer) received")
	if err := transport.SetRemoteDescription(offer); err != nil {
		return err
	}
	c.flushRemoteCandidates(transport)

	answer, err := transport.CreateAnswer()
	if err != nil {
		return err
	}
	return c.sendLocalDescription(context.Background(), transport, answer)
}

func (c *Controller) handleAnswer(answer peer.SessionDescription) error {
	transport := c.Transport()
	if transport == nil {
		return ErrNotConnected
	}
	c.logger.Debug("remote description (answer) received")
	if err := transport.SetRemoteDescription(answer); err != nil {
		return err
	}
	c.flushRemoteCandidates(transport)

	c.mu.Lock()
	notify := func() {}
	if c.current != nil && c.current.needAnswer {
		c.current.answered = true
		if transport.ConnectionState() == peer.ConnectionStateConnected {
			notify = c.settleLocked(nil)
		}
	}
	c.mu.Unlock()
	notify()
	return nil
}

func (c *Controller) handleRemoteCandidate(candidate peer.ICECandidate) {
	transport := c.Transport()
	if transport == nil || !transport.HasRemoteDescription() {
		c.mu.Lock()
		c.pendingRemote = append(c.pendingRemote, candidate)
		c.mu.Unlock()
		c.logger.Debug("holding remote ICE candidate until the remote description is set")
		return
	}
	if err := transport.AddICECandidate(candidate); err != nil {
		c.logger.Warn("adding remote ICE candidate failed", "error", err)
	}
}

func (c *Controller) flushRemoteCandidates(transport peer.Transport) {
	c.mu.Lock()
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := transport.AddICECandidate(candidate); err != nil {
			c.logger.Warn("adding held remote ICE candidate failed", "error", err)
		}
	}
}
