// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/json"
	"fmt"
)

// Key event types accepted by SendKeyEvent.
const (
	KeyDown = "keydown"
	KeyUp   = "keyup"
)

// MouseEvent is a pointer position on one display.
type MouseEvent struct {
	X            int
	Y            int
	Down         bool
	DisplayLabel string
}

// MultiTouchEvent reports several touch points at once. IDs, Xs, Ys
// and Slots are parallel slices.
type MultiTouchEvent struct {
	IDs          []int
	Xs           []int
	Ys           []int
	Slots        []int
	Down         bool
	DisplayLabel string
}

type mouseMessage struct {
	Type         string `json:"type"`
	Down         int    `json:"down"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	DisplayLabel string `json:"display_label"`
}

type multiTouchMessage struct {
	Type         string `json:"type"`
	ID           []int  `json:"id"`
	X            []int  `json:"x"`
	Y            []int  `json:"y"`
	Down         int    `json:"down"`
	Slot         []int  `json:"slot"`
	DisplayLabel string `json:"display_label"`
}

type keyboardMessage struct {
	Type      string `json:"type"`
	Keycode   string `json:"keycode"`
	EventType string `json:"event_type"`
}

func downValue(down bool) int {
	if down {
		return 1
	}
	return 0
}

func (e MultiTouchEvent) validate() error {
	count := len(e.IDs)
	if len(e.Xs) != count || len(e.Ys) != count || len(e.Slots) != count {
		return fmt.Errorf("multi-touch event has mismatched lengths: %d ids, %d xs, %d ys, %d slots",
			count, len(e.Xs), len(e.Ys), len(e.Slots))
	}
	return nil
}

func encodeInput(message any) (string, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encoding input event: %w", err)
	}
	return string(data), nil
}
