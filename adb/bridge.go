// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/devlink/lib/clock"
)

const (
	// LocalID is the stream id this client uses for every OPEN.
	LocalID uint32 = 666

	// ProtocolVersion is sent as arg0 of CNXN.
	ProtocolVersion uint32 = 0x01000000

	// MaxPayload is the largest payload advertised in CNXN (256 KiB).
	MaxPayload uint32 = 0x40000

	// DefaultWatchdogTimeout is how long a connection-initiating
	// action waits for a CNXN or OKAY before reporting a disconnect.
	DefaultWatchdogTimeout = 3000 * time.Millisecond
)

// State is the bridge's view of the daemon connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNoStream is returned by Write before the daemon has acknowledged
// an OPEN with an OKAY carrying its stream id.
var ErrNoStream = errors.New("adb: no open stream")

// BridgeConfig holds the optional knobs of a Bridge. Zero values pick
// the defaults.
type BridgeConfig struct {
	// Identity is the CNXN banner, conventionally
	// "<system>:<serial>:<banner>". It is sent NUL-terminated.
	// Defaults to DefaultIdentity().
	Identity string

	// WatchdogTimeout defaults to DefaultWatchdogTimeout.
	WatchdogTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultIdentity returns a CNXN banner unique to this process.
func DefaultIdentity() string {
	return "host:" + uuid.NewString() + ":devlink"
}

// Bridge runs the client side of the ADB protocol over a byte-stream
// channel. The channel's inbound bytes go to Feed; outbound frames go
// through the send function given to NewBridge.
//
// Callbacks run on the goroutine that triggered them (Feed for
// protocol events, the clock for the watchdog) and never with the
// bridge's lock held, so they may call back into the Bridge.
type Bridge struct {
	send     func([]byte) error
	identity string
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	parser   Parser
	state    State
	remoteID uint32

	// watchdog is the pending liveness timer, nil when disarmed.
	// watchdogGeneration distinguishes a stale expiry that raced with
	// a disarm from the current one.
	watchdog           *clock.Timer
	watchdogGeneration uint64

	onConnected    func()
	onDisconnected func()
	onData         func([]byte)
}

// NewBridge returns a Bridge that writes frames with send.
func NewBridge(send func([]byte) error, config BridgeConfig) *Bridge {
	bridge := &Bridge{
		send:     send,
		identity: config.Identity,
		timeout:  config.WatchdogTimeout,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if bridge.identity == "" {
		bridge.identity = DefaultIdentity()
	}
	if bridge.timeout <= 0 {
		bridge.timeout = DefaultWatchdogTimeout
	}
	if bridge.clock == nil {
		bridge.clock = clock.Real()
	}
	if bridge.logger == nil {
		bridge.logger = slog.Default()
	}
	bridge.parser.Logger = bridge.logger
	return bridge
}

// OnConnected registers the callback for proof-of-life (CNXN or OKAY).
// It may run many times; treat it as idempotent.
func (b *Bridge) OnConnected(callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnected = callback
}

// OnDisconnected registers the callback for watchdog expiry. It runs
// at most once per arming of the watchdog.
func (b *Bridge) OnDisconnected(callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnected = callback
}

// OnData registers the consumer of WRTE payloads.
func (b *Bridge) OnData(callback func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onData = callback
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RemoteID returns the daemon's stream id from the last OKAY, or zero.
func (b *Bridge) RemoteID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteID
}

// Init starts (or restarts) the handshake: any buffered partial frame
// and stream id are discarded, CNXN is sent, and the watchdog is armed.
func (b *Bridge) Init() error {
	b.mu.Lock()
	b.parser.Reset()
	b.remoteID = 0
	b.state = StateConnecting
	b.armWatchdogLocked()
	b.mu.Unlock()

	b.logger.Debug("sending adb CNXN", "identity", b.identity)
	return b.write(Message{
		Command: CommandConnect,
		Arg0:    ProtocolVersion,
		Arg1:    MaxPayload,
		Payload: append([]byte(b.identity), 0),
	})
}

// Shell asks the daemon to run command and stream its output back as
// WRTE messages. The watchdog is re-armed until the daemon answers.
func (b *Bridge) Shell(command string) error {
	b.mu.Lock()
	if b.state == StateDisconnected {
		b.state = StateConnecting
	}
	b.armWatchdogLocked()
	b.mu.Unlock()

	b.logger.Debug("opening adb shell stream", "command", command)
	return b.write(Message{
		Command: CommandOpen,
		Arg0:    LocalID,
		Arg1:    0,
		Payload: []byte("shell:" + command),
	})
}

// Write sends data on the stream the daemon opened in reply to Shell.
func (b *Bridge) Write(data []byte) error {
	b.mu.Lock()
	remoteID := b.remoteID
	b.mu.Unlock()

	if remoteID == 0 {
		return ErrNoStream
	}
	return b.write(Message{
		Command: CommandWrite,
		Arg0:    LocalID,
		Arg1:    remoteID,
		Payload: data,
	})
}

// Feed consumes bytes received on the adb-channel and handles every
// complete message they finish.
func (b *Bridge) Feed(data []byte) {
	b.mu.Lock()
	messages, err := b.parser.Feed(data)
	b.mu.Unlock()

	for _, message := range messages {
		b.handle(message)
	}
	if err != nil {
		// The parser already logged and dropped the buffer; the next
		// Feed starts clean.
		b.logger.Debug("adb frames after a framing error were discarded", "handled", len(messages))
	}
}

func (b *Bridge) handle(message Message) {
	switch message.Command {
	case CommandConnect:
		b.logger.Debug("adb CNXN received", "banner", string(message.Payload))
		b.markConnected(0)

	case CommandOkay:
		b.markConnected(message.Arg0)

	case CommandWrite:
		b.mu.Lock()
		consumer := b.onData
		b.mu.Unlock()
		if consumer != nil {
			consumer(message.Payload)
		} else {
			b.logger.Warn("adb WRTE received with no consumer", "bytes", len(message.Payload))
		}
		// Flow control: every WRTE is acknowledged before the daemon
		// sends more.
		if err := b.write(Message{Command: CommandOkay, Arg0: LocalID, Arg1: message.Arg0}); err != nil {
			b.logger.Error("acknowledging adb WRTE failed", "remote_id", message.Arg0, "error", err)
		}

	default:
		b.logger.Warn("ignoring adb message", "message", message.String())
	}
}

// markConnected handles proof-of-life. remoteID is recorded when
// non-zero (OKAY carries it, CNXN does not).
func (b *Bridge) markConnected(remoteID uint32) {
	b.mu.Lock()
	b.disarmWatchdogLocked()
	b.state = StateConnected
	if remoteID != 0 {
		b.remoteID = remoteID
	}
	callback := b.onConnected
	b.mu.Unlock()

	if callback != nil {
		callback()
	}
}

func (b *Bridge) armWatchdogLocked() {
	b.disarmWatchdogLocked()
	generation := b.watchdogGeneration
	b.watchdog = b.clock.AfterFunc(b.timeout, func() { b.watchdogExpired(generation) })
}

func (b *Bridge) disarmWatchdogLocked() {
	b.watchdogGeneration++
	if b.watchdog != nil {
		b.watchdog.Stop()
		b.watchdog = nil
	}
}

func (b *Bridge) watchdogExpired(generation uint64) {
	b.mu.Lock()
	if generation != b.watchdogGeneration || b.watchdog == nil {
		b.mu.Unlock()
		return
	}
	b.watchdog = nil
	b.watchdogGeneration++
	b.state = StateDisconnected
	callback := b.onDisconnected
	b.mu.Unlock()

	b.logger.Warn("adb daemon did not answer in time", "timeout", b.timeout)
	if callback != nil {
		callback()
	}
}

func (b *Bridge) write(message Message) error {
	if err := b.send(message.Marshal()); err != nil {
		return fmt.Errorf("sending adb %s: %w", message.Command, err)
	}
	return nil
}
