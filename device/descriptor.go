// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Descriptor describes the remote device as announced during the
// handshake. It is immutable once parsed; Connection.Descriptor hands
// out deep copies.
type Descriptor struct {
	DeviceID string    `json:"device_id"`
	Displays []Display `json:"displays"`
	// Hardware maps attribute names to their values as text.
	Hardware            map[string]string    `json:"hardware"`
	AudioStreams        []AudioStream        `json:"audio_streams"`
	ControlPanelButtons []ControlPanelButton `json:"custom_control_panel_buttons"`
	Touchpads           []Touchpad           `json:"touchpads"`
}

type Display struct {
	StreamID string `json:"stream_id"`
	XRes     int    `json:"x_res"`
	YRes     int    `json:"y_res"`
	DPI      int    `json:"dpi"`
	IsTouch  bool   `json:"is_touch"`
}

type AudioStream struct {
	StreamID string `json:"stream_id"`
}

// ControlPanelButton is a device-defined button. It carries either a
// shell command or a list of device states to cycle through.
type ControlPanelButton struct {
	Command      string        `json:"command"`
	Title        string        `json:"title"`
	IconName     string        `json:"icon_name"`
	ShellCommand string        `json:"shell_command,omitempty"`
	DeviceStates []DeviceState `json:"device_states,omitempty"`
}

type DeviceState struct {
	LidSwitchOpen   *bool `json:"lid_switch_open,omitempty"`
	HingeAngleValue *int  `json:"hinge_angle_value,omitempty"`
}

type Touchpad struct {
	Label string `json:"label"`
	XRes  int    `json:"x_res"`
	YRes  int    `json:"y_res"`
}

type descriptorJSON struct {
	DeviceID            string                     `json:"device_id"`
	Displays            []Display                  `json:"displays"`
	Hardware            map[string]json.RawMessage `json:"hardware"`
	AudioStreams        []AudioStream              `json:"audio_streams"`
	ControlPanelButtons []ControlPanelButton       `json:"custom_control_panel_buttons"`
	Touchpads           []Touchpad                 `json:"touchpads"`
}

// ParseDescriptor decodes the device_info object returned by the
// signaling server. deviceID is used when the object does not name the
// device itself. An empty info yields a descriptor with only the id.
func ParseDescriptor(deviceID string, info json.RawMessage) (Descriptor, error) {
	descriptor := Descriptor{DeviceID: deviceID, Hardware: map[string]string{}}
	if len(info) == 0 || string(info) == "null" {
		return descriptor, nil
	}

	var raw descriptorJSON
	if err := json.Unmarshal(info, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("parsing device descriptor: %w", err)
	}
	if raw.DeviceID != "" {
		descriptor.DeviceID = raw.DeviceID
	}
	descriptor.Displays = raw.Displays
	descriptor.AudioStreams = raw.AudioStreams
	descriptor.ControlPanelButtons = raw.ControlPanelButtons
	descriptor.Touchpads = raw.Touchpads
	for name, value := range raw.Hardware {
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			text = string(value)
		}
		descriptor.Hardware[name] = text
	}
	return descriptor, nil
}

// Display returns the display with the given stream id.
func (d Descriptor) Display(streamID string) (Display, bool) {
	for _, display := range d.Displays {
		if display.StreamID == streamID {
			return display, true
		}
	}
	return Display{}, false
}

func (d Descriptor) clone() Descriptor {
	clone := d
	clone.Displays = slices.Clone(d.Displays)
	clone.Hardware = maps.Clone(d.Hardware)
	clone.AudioStreams = slices.Clone(d.AudioStreams)
	clone.Touchpads = slices.Clone(d.Touchpads)
	if d.ControlPanelButtons != nil {
		clone.ControlPanelButtons = make([]ControlPanelButton, len(d.ControlPanelButtons))
		for index, button := range d.ControlPanelButtons {
			button.DeviceStates = slices.Clone(button.DeviceStates)
			clone.ControlPanelButtons[index] = button
		}
	}
	return clone
}
