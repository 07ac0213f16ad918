// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peertest provides a scripted in-memory peer.Transport for
// tests. Nothing happens on its own: the test drives state changes,
// channel opens, inbound messages, and remote candidates explicitly,
// and every handler runs synchronously on the calling goroutine.
package peertest

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/devlink/peer"
)

var (
	_ peer.Transport   = (*Transport)(nil)
	_ peer.DataChannel = (*DataChannel)(nil)
	_ peer.MediaTrack  = (*Track)(nil)
	_ peer.RemoteTrack = (*RemoteTrack)(nil)
)

// ErrNotOpen is returned by DataChannel.Send before the channel opens.
var ErrNotOpen = errors.New("peertest: data channel not open")

// ErrClosed is returned by operations on a closed channel or transport.
var ErrClosed = errors.New("peertest: closed")

// Op names a Transport operation for failure injection and the call
// log.
type Op string

const (
	OpCreateOffer     Op = "create-offer"
	OpCreateAnswer    Op = "create-answer"
	OpSetLocal        Op = "set-local"
	OpSetRemote       Op = "set-remote"
	OpAddCandidate    Op = "add-candidate"
	OpCreateChannel   Op = "create-channel"
	OpAddTrack        Op = "add-track"
	OpRemoveTrack     Op = "remove-track"
	OpSetLocalOffer   Op = "set-local:offer"
	OpSetLocalAnswer  Op = "set-local:answer"
	OpSetRemoteOffer  Op = "set-remote:offer"
	OpSetRemoteAnswer Op = "set-remote:answer"
)

// Transport is a fake peer.Transport.
type Transport struct {
	mu sync.Mutex

	state      peer.ConnectionState
	local      *peer.SessionDescription
	remote     *peer.SessionDescription
	candidates []peer.ICECandidate
	channels   map[string]*DataChannel
	tracks     map[string]peer.MediaTrack
	calls      []Op
	failures   map[Op]error
	offers     int
	closed     bool
	servers    []peer.ICEServer

	onCandidate   func(peer.ICECandidate)
	onState       func(peer.ConnectionState)
	onDataChannel func(peer.DataChannel)
	onTrack       func(peer.RemoteTrack)
}

// NewTransport returns a Transport in the new state.
func NewTransport() *Transport {
	return &Transport{
		channels: make(map[string]*DataChannel),
		tracks:   make(map[string]peer.MediaTrack),
		failures: make(map[Op]error),
	}
}

// Factory returns a peer.Factory that always yields t and records the
// ICE servers it was asked for.
func (t *Transport) Factory() peer.Factory {
	return func(servers []peer.ICEServer) (peer.Transport, error) {
		t.mu.Lock()
		t.servers = append([]peer.ICEServer(nil), servers...)
		t.mu.Unlock()
		return t, nil
	}
}

// ICEServers returns the servers passed to the Factory.
func (t *Transport) ICEServers() []peer.ICEServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]peer.ICEServer(nil), t.servers...)
}

// FailOn makes every later call of op return err. A nil err clears it.
func (t *Transport) FailOn(op Op, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, op)
		return
	}
	t.failures[op] = err
}

// Calls returns the log of negotiation operations in call order.
func (t *Transport) Calls() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Op(nil), t.calls...)
}

// record appends op to the call log and returns the injected failure
// for it, if any. Callers hold t.mu.
func (t *Transport) record(op Op, detail Op) error {
	if detail != "" {
		t.calls = append(t.calls, detail)
	} else {
		t.calls = append(t.calls, op)
	}
	if t.closed {
		return ErrClosed
	}
	return t.failures[op]
}

func (t *Transport) CreateOffer() (peer.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpCreateOffer, ""); err != nil {
		return peer.SessionDescription{}, err
	}
	t.offers++
	return peer.SessionDescription{Type: peer.SDPTypeOffer, SDP: fmt.Sprintf("fake-offer-%d", t.offers)}, nil
}

func (t *Transport) CreateAnswer() (peer.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpCreateAnswer, ""); err != nil {
		return peer.SessionDescription{}, err
	}
	if t.remote == nil {
		return peer.SessionDescription{}, errors.New("peertest: answer without remote offer")
	}
	return peer.SessionDescription{Type: peer.SDPTypeAnswer, SDP: "answer-to:" + t.remote.SDP}, nil
}

func (t *Transport) SetLocalDescription(description peer.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpSetLocal, Op("set-local:"+string(description.Type))); err != nil {
		return err
	}
	t.local = &description
	return nil
}

func (t *Transport) SetRemoteDescription(description peer.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpSetRemote, Op("set-remote:"+string(description.Type))); err != nil {
		return err
	}
	t.remote = &description
	return nil
}

// LocalDescription returns the last applied local description.
func (t *Transport) LocalDescription() *peer.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// RemoteDescription returns the last applied remote description.
func (t *Transport) RemoteDescription() *peer.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote != nil
}

func (t *Transport) AddICECandidate(candidate peer.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpAddCandidate, ""); err != nil {
		return err
	}
	if t.remote == nil {
		return errors.New("peertest: candidate added before remote description")
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

// Candidates returns the remote candidates added so far, in order.
func (t *Transport) Candidates() []peer.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]peer.ICECandidate(nil), t.candidates...)
}

func (t *Transport) OnICECandidate(handler func(peer.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = handler
}

func (t *Transport) OnConnectionStateChange(handler func(peer.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

func (t *Transport) ConnectionState() peer.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState changes the connection state and runs the state handler.
func (t *Transport) SetState(state peer.ConnectionState) {
	t.mu.Lock()
	t.state = state
	handler := t.onState
	t.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

// EmitCandidate runs the local-candidate handler as if ICE had just
// gathered candidate.
func (t *Transport) EmitCandidate(candidate peer.ICECandidate) {
	t.mu.Lock()
	handler := t.onCandidate
	t.mu.Unlock()
	if handler != nil {
		handler(candidate)
	}
}

func (t *Transport) CreateDataChannel(label string) (peer.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpCreateChannel, ""); err != nil {
		return nil, err
	}
	channel := newDataChannel(label)
	t.channels[label] = channel
	return channel, nil
}

// Channel returns the locally created channel with label, or nil.
func (t *Transport) Channel(label string) *DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[label]
}

func (t *Transport) OnDataChannel(handler func(peer.DataChannel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDataChannel = handler
}

// AnnounceChannel simulates the remote side opening a channel. The
// returned channel is not yet open.
func (t *Transport) AnnounceChannel(label string) *DataChannel {
	channel := newDataChannel(label)
	t.mu.Lock()
	handler := t.onDataChannel
	t.mu.Unlock()
	if handler != nil {
		handler(channel)
	}
	return channel
}

func (t *Transport) AddTrack(track peer.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpAddTrack, ""); err != nil {
		return err
	}
	t.tracks[track.ID()] = track
	return nil
}

func (t *Transport) RemoveTrack(track peer.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(OpRemoveTrack, ""); err != nil {
		return err
	}
	delete(t.tracks, track.ID())
	return nil
}

func (t *Transport) OnTrack(handler func(peer.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = handler
}

// EmitTrack runs the remote-track handler as if the device had just
// started sending track.
func (t *Transport) EmitTrack(track *RemoteTrack) {
	t.mu.Lock()
	handler := t.onTrack
	t.mu.Unlock()
	if handler != nil {
		handler(track)
	}
}

// Tracks returns the number of attached tracks of kind.
func (t *Transport) Tracks(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, track := range t.tracks {
		if track.Kind() == kind {
			count++
		}
	}
	return count
}

// Close closes the transport and every channel created on it, then
// reports the closed state.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := make([]*DataChannel, 0, len(t.channels))
	for _, channel := range t.channels {
		channels = append(channels, channel)
	}
	t.mu.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
	t.SetState(peer.ConnectionStateClosed)
	return nil
}

// DataChannel is a fake peer.DataChannel. Sent messages are recorded
// and add their length to the buffered amount until Drain is called.
type DataChannel struct {
	label string

	mu        sync.Mutex
	open      bool
	closed    bool
	sent      []peer.Message
	buffered  uint64
	threshold uint64

	onOpen   func()
	onClose  func()
	onError  func(error)
	onMsg    func(peer.Message)
	onLow    func()
	sentCond *sync.Cond
}

func newDataChannel(label string) *DataChannel {
	channel := &DataChannel{label: label}
	channel.sentCond = sync.NewCond(&channel.mu)
	return channel
}

func (c *DataChannel) Label() string { return c.label }

func (c *DataChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *DataChannel) OnOpen(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = handler
}

func (c *DataChannel) OnClose(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *DataChannel) OnError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

func (c *DataChannel) OnMessage(handler func(peer.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = handler
}

func (c *DataChannel) OnBufferedAmountLow(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = handler
}

func (c *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
}

// Threshold returns the buffered-amount-low threshold last set.
func (c *DataChannel) Threshold() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

func (c *DataChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *DataChannel) Send(data []byte) error {
	return c.send(peer.Message{Data: append([]byte(nil), data...)})
}

func (c *DataChannel) SendText(text string) error {
	return c.send(peer.Message{Data: []byte(text), IsString: true})
}

func (c *DataChannel) send(message peer.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.open {
		return ErrNotOpen
	}
	c.sent = append(c.sent, message)
	c.buffered += uint64(len(message.Data))
	c.sentCond.Broadcast()
	return nil
}

// Sent returns every message sent so far, in order.
func (c *DataChannel) Sent() []peer.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.Message(nil), c.sent...)
}

// WaitSent blocks until at least n messages have been sent and returns
// them.
func (c *DataChannel) WaitSent(n int) []peer.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.sent) < n && !c.closed {
		c.sentCond.Wait()
	}
	return append([]peer.Message(nil), c.sent...)
}

// SimulateOpen marks the channel open and runs the open handler.
func (c *DataChannel) SimulateOpen() {
	c.mu.Lock()
	c.open = true
	handler := c.onOpen
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// SimulateError runs the error handler with err.
func (c *DataChannel) SimulateError(err error) {
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Deliver runs the message handler with a binary message.
func (c *DataChannel) Deliver(data []byte) {
	c.deliver(peer.Message{Data: data})
}

// DeliverText runs the message handler with a text message.
func (c *DataChannel) DeliverText(text string) {
	c.deliver(peer.Message{Data: []byte(text), IsString: true})
}

func (c *DataChannel) deliver(message peer.Message) {
	c.mu.Lock()
	handler := c.onMsg
	c.mu.Unlock()
	if handler != nil {
		handler(message)
	}
}

// Drain sets the buffered amount to remaining. When that crosses the
// low threshold from above, the buffered-amount-low handler runs.
func (c *DataChannel) Drain(remaining uint64) {
	c.mu.Lock()
	crossed := c.buffered > c.threshold && remaining <= c.threshold
	c.buffered = remaining
	handler := c.onLow
	c.mu.Unlock()
	if crossed && handler != nil {
		handler()
	}
}

// Close marks the channel closed and runs the close handler once.
func (c *DataChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	handler := c.onClose
	c.sentCond.Broadcast()
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

// Track is a fake peer.MediaTrack.
type Track struct {
	id   string
	kind string

	mu      sync.Mutex
	stopped bool
}

// NewTrack returns a live track.
func NewTrack(id, kind string) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() string { return t.kind }

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// RemoteTrack is a fake peer.RemoteTrack. Packets pushed with Push are
// returned by Read in order; Read returns io.EOF after End.
type RemoteTrack struct {
	id       string
	streamID string
	kind     string

	packets chan []byte
	endOnce sync.Once
}

// NewRemoteTrack returns a track in streamID.
func NewRemoteTrack(id, streamID, kind string) *RemoteTrack {
	return &RemoteTrack{id: id, streamID: streamID, kind: kind, packets: make(chan []byte, 64)}
}

func (r *RemoteTrack) ID() string       { return r.id }
func (r *RemoteTrack) StreamID() string { return r.streamID }
func (r *RemoteTrack) Kind() string     { return r.kind }

func (r *RemoteTrack) Read(packet []byte) (int, error) {
	data, ok := <-r.packets
	if !ok {
		return 0, io.EOF
	}
	return copy(packet, data), nil
}

// Push queues one packet for Read. It must not be called after End.
func (r *RemoteTrack) Push(packet []byte) {
	r.packets <- append([]byte(nil), packet...)
}

// End makes Read return io.EOF once queued packets are consumed.
func (r *RemoteTrack) End() {
	r.endOnce.Do(func() { close(r.packets) })
}
