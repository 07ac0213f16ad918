// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package device is the client side of a virtual device connection.
//
// Connect asks a signaling server for the device, negotiates a peer
// connection with it, and opens the fixed set of data channels the
// device expects:
//
//	input-channel          mouse, touch, and keyboard events (JSON)
//	adb-channel            ADB protocol bytes, see package adb
//	device-control         device events in, control commands out
//	bluetooth-channel      rootcanal console commands
//	location-channel       "lon,lat,alt" fixes
//	kml-locations-channel  KML route files
//	gpx-locations-channel  GPX route files
//	camera-data-channel    captured camera frames, flow controlled
//
// device-control is opened by the device; every other channel is
// opened by the client. Sends on a channel that is not open yet are
// queued and flushed in order once it opens.
//
// Audio and video from the device arrive as remote tracks, grouped by
// stream id; see Connection.Stream and Connection.OnStream.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/devlink/adb"
	"github.com/bureau-foundation/devlink/mux"
	"github.com/bureau-foundation/devlink/peer"
	"github.com/bureau-foundation/devlink/signaling"
)

// Channel labels. They must match the device exactly.
const (
	LabelInput        = "input-channel"
	LabelAdb          = "adb-channel"
	LabelControl      = "device-control"
	LabelBluetooth    = "bluetooth-channel"
	LabelLocation     = "location-channel"
	LabelKmlLocations = "kml-locations-channel"
	LabelGpxLocations = "gpx-locations-channel"
	LabelCamera       = "camera-data-channel"
)

// ErrClosed is returned by operations on a closed Connection.
var ErrClosed = errors.New("device: connection closed")

// Config configures Connect.
type Config struct {
	// Connector reaches the signaling server. Required. The
	// connection owns it from Connect on and closes it on Close.
	Connector signaling.Connector

	// Factory builds the peer connection. Defaults to
	// peer.PionFactory.
	Factory peer.Factory

	// Microphone and Camera back UseMic and UseCamera. A nil source
	// makes enabling that toggle a logged no-op.
	Microphone MediaSource
	Camera     MediaSource

	// Adb configures the ADB bridge. Its Logger defaults to Logger.
	Adb adb.BridgeConfig

	// CameraLowWater is the buffered amount, in bytes, at or below
	// which the next camera frame chunk is sent.
	CameraLowWater uint64

	Logger *slog.Logger
}

// CameraSettings describes the local camera for the device's virtual
// camera HAL.
type CameraSettings struct {
	Width     int
	Height    int
	FrameRate float64
	Facing    string
}

// Connection is an established connection to one device. It is safe
// for concurrent use.
type Connection struct {
	logger     *slog.Logger
	controller *signaling.Controller
	descriptor Descriptor

	multiplexer *mux.Multiplexer
	input       *mux.Channel
	adbChannel  *mux.Channel
	control     *mux.Channel
	bluetooth   *mux.Channel
	location    *mux.Channel
	kml         *mux.Channel
	gpx         *mux.Channel
	cameraData  *mux.FlowControlledChannel
	bridge      *adb.Bridge

	mu        sync.Mutex
	closed    bool
	receivers map[string]func([]byte)
	onAdb     func([]byte)
	adbStream *adbStream
	onControl func(ControlEvent)
	onState   []func(peer.ConnectionState)
	onFailure func(label string, err error)

	streamMu       sync.Mutex
	streams        map[string]*streamState
	streamWaiters  map[string][]func(Stream)
	onStreamChange func(Stream)

	mediaMu      sync.Mutex
	micToggle    mediaToggle
	cameraToggle mediaToggle

	closeOnce sync.Once
}

// Connect requests deviceID from the signaling server behind
// config.Connector and returns once the peer connection is up.
func Connect(ctx context.Context, deviceID string, config Config) (*Connection, error) {
	if config.Connector == nil {
		return nil, errors.New("device: connector is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := config.Factory
	if factory == nil {
		factory = peer.PionFactory(logger)
	}

	connection := &Connection{
		logger:        logger.With("device_id", deviceID),
		receivers:     make(map[string]func([]byte)),
		streams:       make(map[string]*streamState),
		streamWaiters: make(map[string][]func(Stream)),
		micToggle:     mediaToggle{name: "microphone", source: config.Microphone},
		cameraToggle:  mediaToggle{name: "camera", source: config.Camera},
	}
	connection.controller = signaling.NewController(config.Connector, factory, logger)
	connection.controller.OnTransportStateChange(connection.handleTransportState)

	_, err := connection.controller.Connect(ctx, deviceID, func(device signaling.Device, transport peer.Transport) error {
		return connection.setup(deviceID, device, transport, config)
	})
	if err != nil {
		connection.Close()
		return nil, err
	}
	connection.logger.Info("device connected",
		"displays", len(connection.descriptor.Displays),
		"audio_streams", len(connection.descriptor.AudioStreams),
	)
	return connection, nil
}

// setup runs before the first offer is requested, so every channel
// below is part of the initial negotiation.
func (c *Connection) setup(deviceID string, device signaling.Device, transport peer.Transport, config Config) error {
	descriptor, err := ParseDescriptor(deviceID, device.Info)
	if err != nil {
		return err
	}
	c.descriptor = descriptor

	transport.OnTrack(c.handleTrack)

	c.multiplexer = mux.New(transport, c.logger)
	c.multiplexer.OnChannelFailure(c.handleChannelFailure)

	if c.cameraData, err = c.multiplexer.CreateFlowControlledChannel(LabelCamera, config.CameraLowWater); err != nil {
		return err
	}
	if c.input, err = c.multiplexer.CreateChannel(LabelInput, c.unexpected(LabelInput)); err != nil {
		return err
	}
	if c.adbChannel, err = c.multiplexer.CreateChannel(LabelAdb, c.handleAdb); err != nil {
		return err
	}
	if c.control, err = c.multiplexer.AwaitChannel(LabelControl, c.handleControl); err != nil {
		return err
	}
	for _, channel := range []struct {
		target **mux.Channel
		label  string
	}{
		{&c.bluetooth, LabelBluetooth},
		{&c.location, LabelLocation},
		{&c.kml, LabelKmlLocations},
		{&c.gpx, LabelGpxLocations},
	} {
		if *channel.target, err = c.multiplexer.CreateChannel(channel.label, c.passthrough(channel.label)); err != nil {
			return err
		}
	}

	bridgeConfig := config.Adb
	if bridgeConfig.Logger == nil {
		bridgeConfig.Logger = c.logger
	}
	c.bridge = adb.NewBridge(c.adbChannel.Send, bridgeConfig)
	return nil
}

// Descriptor returns a copy of the device descriptor.
func (c *Connection) Descriptor() Descriptor {
	return c.descriptor.clone()
}

// State returns the signaling session state.
func (c *Connection) State() signaling.State {
	return c.controller.State()
}

// AdbBridge returns the ADB protocol bridge running over adb-channel.
// It receives the channel's data unless a raw consumer is registered
// with OnAdbMessage or OpenAdbStream.
func (c *Connection) AdbBridge() *adb.Bridge {
	return c.bridge
}

// SendControlMessage sends a JSON command on device-control.
func (c *Connection) SendControlMessage(message string) error {
	return c.control.SendText(message)
}

// SendCameraResolution tells the device the local camera's settings.
func (c *Connection) SendCameraResolution(settings CameraSettings) error {
	data, err := json.Marshal(struct {
		Command   string  `json:"command"`
		Width     int     `json:"width"`
		Height    int     `json:"height"`
		FrameRate float64 `json:"frame_rate"`
		Facing    string  `json:"facing"`
	}{"camera_settings", settings.Width, settings.Height, settings.FrameRate, settings.Facing})
	if err != nil {
		return err
	}
	return c.SendControlMessage(string(data))
}

// SendCameraFrame sends one encoded camera frame, chunked and
// terminated for reassembly on the device. Frames queue behind each
// other while the channel is backed up.
func (c *Connection) SendCameraFrame(frame []byte) error {
	return c.cameraData.SendFrame(frame)
}

func (c *Connection) SendMouse(event MouseEvent) error {
	return c.sendInput(mouseMessage{
		Type:         "mouse",
		Down:         downValue(event.Down),
		X:            event.X,
		Y:            event.Y,
		DisplayLabel: event.DisplayLabel,
	})
}

func (c *Connection) SendMultiTouch(event MultiTouchEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	return c.sendInput(multiTouchMessage{
		Type:         "multi-touch",
		ID:           event.IDs,
		X:            event.Xs,
		Y:            event.Ys,
		Down:         downValue(event.Down),
		Slot:         event.Slots,
		DisplayLabel: event.DisplayLabel,
	})
}

// SendKeyEvent sends a key press or release. code is a DOM-style key
// code such as "KeyA" or "Enter"; eventType is KeyDown or KeyUp.
func (c *Connection) SendKeyEvent(code, eventType string) error {
	return c.sendInput(keyboardMessage{Type: "keyboard", Keycode: code, EventType: eventType})
}

func (c *Connection) sendInput(message any) error {
	text, err := encodeInput(message)
	if err != nil {
		return err
	}
	return c.input.SendText(text)
}

// SendAdbMessage sends raw bytes to the device's ADB daemon.
func (c *Connection) SendAdbMessage(data []byte) error {
	return c.adbChannel.Send(data)
}

// OnAdbMessage registers a raw consumer for adb-channel data. While
// one is registered the bridge sees nothing. nil hands the channel
// back to the bridge.
func (c *Connection) OnAdbMessage(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdb = handler
	c.adbStream = nil
}

// SendBluetoothMessage sends an encoded rootcanal command, see
// EncodeBluetoothCommand.
func (c *Connection) SendBluetoothMessage(message []byte) error {
	return c.bluetooth.Send(message)
}

func (c *Connection) OnBluetoothMessage(handler func([]byte)) {
	c.setReceiver(LabelBluetooth, handler)
}

// SendLocationMessage sends a "longitude,latitude,altitude" fix.
func (c *Connection) SendLocationMessage(message string) error {
	return c.location.SendText(message)
}

// SendLocation formats and sends a location fix.
func (c *Connection) SendLocation(longitude, latitude, altitude float64) error {
	return c.SendLocationMessage(
		strconv.FormatFloat(longitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(latitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(altitude, 'f', -1, 64))
}

func (c *Connection) OnLocationMessage(handler func([]byte)) {
	c.setReceiver(LabelLocation, handler)
}

// SendKmlLocationsMessage sends the contents of a KML file.
func (c *Connection) SendKmlLocationsMessage(kml string) error {
	return c.kml.SendText(kml)
}

func (c *Connection) OnKmlLocationsMessage(handler func([]byte)) {
	c.setReceiver(LabelKmlLocations, handler)
}

// SendGpxLocationsMessage sends the contents of a GPX file.
func (c *Connection) SendGpxLocationsMessage(gpx string) error {
	return c.gpx.SendText(gpx)
}

func (c *Connection) OnGpxLocationsMessage(handler func([]byte)) {
	c.setReceiver(LabelGpxLocations, handler)
}

// OnControlMessage registers the handler for device control events.
func (c *Connection) OnControlMessage(handler func(ControlEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControl = handler
}

// OnConnectionStateChange adds a handler for peer connection state
// changes. Failed and disconnected are reported here; there is no
// automatic reconnect.
func (c *Connection) OnConnectionStateChange(handler func(peer.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, handler)
}

// OnChannelFailure registers the handler for channels that fail before
// they open. Sends queued on such a channel are discarded.
func (c *Connection) OnChannelFailure(handler func(label string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = handler
}

// UseMic attaches or detaches the microphone and renegotiates if that
// changed the tracks on the connection. It reports whether a
// microphone track is attached afterwards.
func (c *Connection) UseMic(ctx context.Context, enabled bool) (bool, error) {
	return c.useMedia(ctx, &c.micToggle, enabled)
}

// UseCamera is UseMic for the camera.
func (c *Connection) UseCamera(ctx context.Context, enabled bool) (bool, error) {
	return c.useMedia(ctx, &c.cameraToggle, enabled)
}

// CameraEnabled reports whether a camera track is attached.
func (c *Connection) CameraEnabled() bool {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	return len(c.cameraToggle.tracks) > 0
}

// flushInterval is how often Flush checks the channel queues.
const flushInterval = 20 * time.Millisecond

// Flush blocks until every client channel has handed its queued sends
// to the transport, or ctx is done. Channels that fail or close drop
// their queue and count as flushed.
func (c *Connection) Flush(ctx context.Context) error {
	if c.multiplexer == nil {
		return ErrClosed
	}
	channels := []*mux.Channel{c.input, c.adbChannel, c.control, c.bluetooth,
		c.location, c.kml, c.gpx, c.cameraData.Channel}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		pending := 0
		for _, channel := range channels {
			pending += channel.Queued()
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flushing %d queued sends: %w", pending, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close tears down the peer connection, fails pending sends, and
// releases media devices.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stream := c.adbStream
		c.mu.Unlock()

		err = c.controller.Close()
		if c.multiplexer != nil {
			c.multiplexer.Close()
		}
		if stream != nil {
			stream.Close()
		}
		c.stopMedia()
	})
	return err
}

func (c *Connection) setReceiver(label string, handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[label] = handler
}

func (c *Connection) passthrough(label string) mux.Handler {
	return func(message peer.Message) {
		c.mu.Lock()
		handler := c.receivers[label]
		c.mu.Unlock()
		if handler == nil {
			c.logger.Error("received unexpected message", "channel", label, "bytes", len(message.Data))
			return
		}
		handler(message.Data)
	}
}

func (c *Connection) unexpected(label string) mux.Handler {
	return func(message peer.Message) {
		c.logger.Debug("ignoring message", "channel", label, "bytes", len(message.Data))
	}
}

func (c *Connection) handleAdb(message peer.Message) {
	c.mu.Lock()
	handler := c.onAdb
	c.mu.Unlock()
	if handler != nil {
		handler(message.Data)
		return
	}
	c.bridge.Feed(message.Data)
}

func (c *Connection) handleControl(message peer.Message) {
	event, err := ParseControlEvent(message.Data)
	if err != nil {
		c.logger.Error("dropping malformed control message", "error", err)
		return
	}
	if _, ok := event.(UnknownEvent); ok {
		c.logger.Warn("unrecognized control event", "event", event.EventName())
	} else {
		c.logger.Debug("control message received", "event", event.EventName())
	}

	switch event := event.(type) {
	case BootStarted:
		c.startAdb()
	case DisplayPowerModeChanged:
		c.handleDisplayPower(event)
	}

	c.mu.Lock()
	handler := c.onControl
	c.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

// startAdb opens the ADB session once the guest reports it is booting.
// Connecting as soon as adbd starts is unreliable, so the boot event is
// the trigger. A raw consumer owns the channel and is left alone, and a
// session already started (by a shell, or an earlier boot event) is not
// reset.
func (c *Connection) startAdb() {
	c.mu.Lock()
	raw := c.onAdb != nil
	c.mu.Unlock()
	if raw {
		return
	}
	if state := c.bridge.State(); state != adb.StateDisconnected {
		c.logger.Debug("adb session already started", "state", state.String())
		return
	}
	if err := c.bridge.Init(); err != nil {
		c.logger.Warn("starting adb session failed", "error", err)
	}
}

func (c *Connection) handleTransportState(state peer.ConnectionState) {
	c.mu.Lock()
	handlers := slices.Clone(c.onState)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(state)
	}
}

func (c *Connection) handleChannelFailure(label string, err error) {
	c.logger.Error("data channel failed", "channel", label, "error", err)
	c.mu.Lock()
	handler := c.onFailure
	c.mu.Unlock()
	if handler != nil {
		handler(label, fmt.Errorf("%w: %s: %w", mux.ErrChannelFailed, label, err))
	}
}
