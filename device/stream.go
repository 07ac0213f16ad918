// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/devlink/peer"
)

// Stream is a media stream the device sends. Display streams are named
// "display_<n>" after the display they show; audio streams use the
// stream ids listed in the descriptor.
type Stream struct {
	ID     string
	Tracks []peer.RemoteTrack
	// Hidden is set while the display behind the stream is powered
	// off.
	Hidden bool
}

type streamState struct {
	tracks []peer.RemoteTrack
	hidden bool
}

func (s *streamState) snapshot(id string) Stream {
	return Stream{ID: id, Tracks: slices.Clone(s.tracks), Hidden: s.hidden}
}

// DisplayStreamID returns the stream id of the numbered display.
func DisplayStreamID(display int) string {
	return "display_" + strconv.Itoa(display)
}

// Stream returns the stream with id once at least one of its tracks
// has arrived.
func (c *Connection) Stream(id string) (Stream, bool) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	state, ok := c.streams[id]
	if !ok || len(state.tracks) == 0 {
		return Stream{}, false
	}
	return state.snapshot(id), true
}

// OnStream runs callback once the stream with id has a track. It runs
// immediately, on the calling goroutine, if the stream is already
// available.
func (c *Connection) OnStream(id string, callback func(Stream)) {
	c.streamMu.Lock()
	if state, ok := c.streams[id]; ok && len(state.tracks) > 0 {
		stream := state.snapshot(id)
		c.streamMu.Unlock()
		callback(stream)
		return
	}
	c.streamWaiters[id] = append(c.streamWaiters[id], callback)
	c.streamMu.Unlock()
}

// OnStreamChange registers the handler called whenever a stream gains a
// track or a display stream is shown or hidden.
func (c *Connection) OnStreamChange(handler func(Stream)) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.onStreamChange = handler
}

// handleTrack files an incoming track under its stream. A track with
// the id of one already held replaces it.
func (c *Connection) handleTrack(track peer.RemoteTrack) {
	id := track.StreamID()
	c.logger.Info("remote stream track", "stream_id", id, "kind", track.Kind(), "track_id", track.ID())

	c.streamMu.Lock()
	state := c.streamLocked(id)
	index := slices.IndexFunc(state.tracks, func(held peer.RemoteTrack) bool { return held.ID() == track.ID() })
	if index >= 0 {
		state.tracks[index] = track
	} else {
		state.tracks = append(state.tracks, track)
	}
	stream := state.snapshot(id)
	waiters := c.streamWaiters[id]
	delete(c.streamWaiters, id)
	handler := c.onStreamChange
	c.streamMu.Unlock()

	for _, waiter := range waiters {
		waiter(stream)
	}
	if handler != nil {
		handler(stream)
	}
}

// handleDisplayPower shows or hides a display stream. Turning a display
// on also asks the device to resend its current frame, since nothing is
// streamed while the screen does not change.
func (c *Connection) handleDisplayPower(event DisplayPowerModeChanged) {
	id := DisplayStreamID(event.Display)
	var hidden bool
	switch strings.ToLower(event.Mode) {
	case "on":
		hidden = false
	case "off":
		hidden = true
	default:
		c.logger.Error("unknown display power mode", "display", event.Display, "mode", event.Mode)
		return
	}

	c.streamMu.Lock()
	state := c.streamLocked(id)
	changed := state.hidden != hidden
	state.hidden = hidden
	stream := state.snapshot(id)
	handler := c.onStreamChange
	c.streamMu.Unlock()

	if !hidden {
		if err := c.requestDisplayRefresh(event.Display); err != nil {
			c.logger.Warn("requesting display refresh failed", "display", event.Display, "error", err)
		}
	}
	if changed && len(stream.Tracks) > 0 && handler != nil {
		handler(stream)
	}
}

func (c *Connection) requestDisplayRefresh(display int) error {
	data, err := json.Marshal(struct {
		Command        string `json:"command"`
		RefreshDisplay int    `json:"refresh_display"`
	}{"display", display})
	if err != nil {
		return err
	}
	return c.SendControlMessage(string(data))
}

func (c *Connection) streamLocked(id string) *streamState {
	state, ok := c.streams[id]
	if !ok {
		state = &streamState{}
		c.streams[id] = state
	}
	return state
}
