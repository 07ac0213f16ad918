// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Control event names sent by the device on the device-control channel.
const (
	EventBootStarted             = "VIRTUAL_DEVICE_BOOT_STARTED"
	EventScreenChanged           = "VIRTUAL_DEVICE_SCREEN_CHANGED"
	EventCaptureImage            = "VIRTUAL_DEVICE_CAPTURE_IMAGE"
	EventDisplayPowerModeChanged = "VIRTUAL_DEVICE_DISPLAY_POWER_MODE_CHANGED"
)

// ControlEvent is a device-originated event. The concrete type is one
// of BootStarted, ScreenChanged, CaptureImage, DisplayPowerModeChanged,
// or UnknownEvent.
type ControlEvent interface {
	EventName() string
	controlEvent()
}

// BootStarted reports that the guest started booting. The ADB daemon is
// reachable from this point on.
type BootStarted struct{}

type ScreenChanged struct {
	Rotation int
	DPI      int
	Width    int
	Height   int
}

// CaptureImage asks the client to take a photo with its camera.
type CaptureImage struct{}

type DisplayPowerModeChanged struct {
	Display int
	Mode    string
}

// UnknownEvent carries an event this package does not recognize.
type UnknownEvent struct {
	Event    string
	Metadata json.RawMessage
}

func (BootStarted) EventName() string             { return EventBootStarted }
func (ScreenChanged) EventName() string           { return EventScreenChanged }
func (CaptureImage) EventName() string            { return EventCaptureImage }
func (DisplayPowerModeChanged) EventName() string { return EventDisplayPowerModeChanged }
func (e UnknownEvent) EventName() string          { return e.Event }

func (BootStarted) controlEvent()             {}
func (ScreenChanged) controlEvent()           {}
func (CaptureImage) controlEvent()            {}
func (DisplayPowerModeChanged) controlEvent() {}
func (UnknownEvent) controlEvent()            {}

type controlMessage struct {
	Event    string          `json:"event"`
	Metadata json.RawMessage `json:"metadata"`
}

// number accepts a JSON number or a string holding one. Device metadata
// is not consistent about which it sends.
type number int

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		data = []byte(text)
	}
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	value, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", data)
	}
	*n = number(value)
	return nil
}

// ParseControlEvent decodes one device-control message.
func ParseControlEvent(data []byte) (ControlEvent, error) {
	var message controlMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	if message.Event == "" {
		return nil, fmt.Errorf("parsing control message: missing event name")
	}

	metadata := message.Metadata
	if len(metadata) == 0 || string(metadata) == "null" {
		metadata = json.RawMessage(`{}`)
	}

	switch message.Event {
	case EventBootStarted:
		return BootStarted{}, nil
	case EventCaptureImage:
		return CaptureImage{}, nil
	case EventScreenChanged:
		var fields struct {
			Rotation number `json:"rotation"`
			DPI      number `json:"dpi"`
			Width    number `json:"width"`
			Height   number `json:"height"`
		}
		if err := json.Unmarshal(metadata, &fields); err != nil {
			return nil, fmt.Errorf("parsing %s metadata: %w", message.Event, err)
		}
		return ScreenChanged{
			Rotation: int(fields.Rotation),
			DPI:      int(fields.DPI),
			Width:    int(fields.Width),
			Height:   int(fields.Height),
		}, nil
	case EventDisplayPowerModeChanged:
		var fields struct {
			Display number `json:"display"`
			Mode    string `json:"mode"`
		}
		if err := json.Unmarshal(metadata, &fields); err != nil {
			return nil, fmt.Errorf("parsing %s metadata: %w", message.Event, err)
		}
		return DisplayPowerModeChanged{Display: int(fields.Display), Mode: fields.Mode}, nil
	}
	return UnknownEvent{Event: message.Event, Metadata: message.Metadata}, nil
}
