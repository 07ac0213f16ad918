// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mux multiplexes named logical channels over a
// peer.Transport.
//
// Channels come in two flavors. CreateChannel opens a channel from
// this side; AwaitChannel claims one the remote side opens. Either way
// the returned *Channel accepts sends immediately: sends issued before
// the underlying data channel opens are queued and flushed in
// submission order when it does. Ordering is per channel; there is no
// ordering across channels.
//
// A channel that reports an error before opening is failed for good.
// Its queued sends are discarded, later sends return ErrChannelFailed,
// and the Multiplexer's failure observer is notified.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/devlink/peer"
)

var (
	// ErrChannelFailed is returned by sends on a channel that failed
	// to open.
	ErrChannelFailed = errors.New("mux: channel failed")

	// ErrChannelClosed is returned by sends after the channel or the
	// multiplexer is closed.
	ErrChannelClosed = errors.New("mux: channel closed")

	// ErrDuplicateLabel is returned when a label is created or awaited
	// twice.
	ErrDuplicateLabel = errors.New("mux: duplicate channel label")
)

// Handler receives inbound messages for one channel. It runs on the
// transport's goroutine; a slow handler delays that channel's later
// messages.
type Handler func(peer.Message)

// Multiplexer owns the channel registry for one transport.
type Multiplexer struct {
	transport peer.Transport
	logger    *slog.Logger

	mu        sync.Mutex
	channels  map[string]*Channel
	closed    bool
	onFailure func(label string, err error)
}

// New returns a Multiplexer over transport and starts accepting remote
// channels from it.
func New(transport peer.Transport, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	multiplexer := &Multiplexer{
		transport: transport,
		logger:    logger,
		channels:  make(map[string]*Channel),
	}
	transport.OnDataChannel(multiplexer.acceptRemote)
	return multiplexer
}

// OnChannelFailure registers the observer for channels that fail
// before opening.
func (m *Multiplexer) OnChannelFailure(observer func(label string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = observer
}

// CreateChannel opens a channel named label from this side. handler may
// be nil.
func (m *Multiplexer) CreateChannel(label string, handler Handler) (*Channel, error) {
	return m.create(label, handler, nil)
}

// CreateFlowControlledChannel opens a channel whose queued sends are
// only handed to the transport while its buffered amount is at or below
// lowWater. Transmission resumes on the transport's buffered-amount-low
// event.
func (m *Multiplexer) CreateFlowControlledChannel(label string, lowWater uint64) (*FlowControlledChannel, error) {
	channel, err := m.create(label, nil, &lowWater)
	if err != nil {
		return nil, err
	}
	return &FlowControlledChannel{Channel: channel}, nil
}

func (m *Multiplexer) create(label string, handler Handler, lowWater *uint64) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, exists := m.channels[label]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	channel := m.newChannel(label, handler, lowWater)
	m.channels[label] = channel
	m.mu.Unlock()

	m.logger.Debug("creating data channel", "label", label)
	dataChannel, err := m.transport.CreateDataChannel(label)
	if err != nil {
		m.mu.Lock()
		delete(m.channels, label)
		m.mu.Unlock()
		return nil, fmt.Errorf("creating channel %q: %w", label, err)
	}
	channel.attach(dataChannel)
	return channel, nil
}

// AwaitChannel claims the channel the remote side opens with label. A
// channel that already arrived before the call is claimed immediately.
// Awaiting one label never affects another.
func (m *Multiplexer) AwaitChannel(label string, handler Handler) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrChannelClosed
	}
	if existing, exists := m.channels[label]; exists {
		if !existing.claim(handler) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
		}
		m.logger.Debug("claimed parked remote channel", "label", label)
		return existing, nil
	}

	m.logger.Debug("expecting data channel", "label", label)
	channel := m.newChannel(label, handler, nil)
	m.channels[label] = channel
	return channel, nil
}

// Channel returns the registered channel for label, or nil.
func (m *Multiplexer) Channel(label string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[label]
}

// Close closes every channel. Pending and later sends fail with
// ErrChannelClosed.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	channels := make([]*Channel, 0, len(m.channels))
	for _, channel := range m.channels {
		channels = append(channels, channel)
	}
	m.mu.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
}

func (m *Multiplexer) acceptRemote(dataChannel peer.DataChannel) {
	label := dataChannel.Label()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		dataChannel.Close()
		return
	}
	channel, exists := m.channels[label]
	if !exists {
		// Parked until someone awaits the label.
		channel = m.newChannel(label, nil, nil)
		channel.claimed = false
		m.channels[label] = channel
		m.logger.Debug("parking unexpected remote channel", "label", label)
	}
	m.mu.Unlock()

	if !channel.attachRemote(dataChannel) {
		m.logger.Warn("ignoring duplicate remote channel", "label", label)
		dataChannel.Close()
	}
}

func (m *Multiplexer) newChannel(label string, handler Handler, lowWater *uint64) *Channel {
	channel := &Channel{
		label:   label,
		logger:  m.logger.With("channel", label),
		handler: handler,
		claimed: true,
		failed:  m.notifyFailure,
	}
	if lowWater != nil {
		channel.flowControlled = true
		channel.lowWater = *lowWater
	}
	return channel
}

func (m *Multiplexer) notifyFailure(label string, err error) {
	m.mu.Lock()
	observer := m.onFailure
	m.mu.Unlock()
	if observer != nil {
		observer(label, err)
	}
}
