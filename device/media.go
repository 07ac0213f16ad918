// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/devlink/peer"
)

// ErrNoMediaSource is logged when a media toggle is enabled on a
// connection configured without a source for it.
var ErrNoMediaSource = errors.New("device: no media source configured")

// MediaSource acquires local capture tracks. Acquire may return some
// tracks together with an error when only part of the request could be
// satisfied.
type MediaSource interface {
	Acquire(ctx context.Context) ([]peer.MediaTrack, error)
}

// MediaSourceFunc adapts a function to MediaSource.
type MediaSourceFunc func(ctx context.Context) ([]peer.MediaTrack, error)

func (f MediaSourceFunc) Acquire(ctx context.Context) ([]peer.MediaTrack, error) {
	return f(ctx)
}

// SampleSource returns a MediaSource yielding one peer.SampleTrack of
// kind ("audio" or "video") per acquisition. Each track is also handed
// to produce, which feeds it encoded samples until the track stops.
// produce may be nil, leaving the track silent.
func SampleSource(kind string, produce func(*peer.SampleTrack)) MediaSource {
	var sequence atomic.Int64
	return MediaSourceFunc(func(context.Context) ([]peer.MediaTrack, error) {
		streamID := fmt.Sprintf("devlink-%s-%d", kind, sequence.Add(1))
		track, err := peer.NewSampleTrack(kind, streamID, nil)
		if err != nil {
			return nil, err
		}
		if produce != nil {
			go produce(track)
		}
		return []peer.MediaTrack{track}, nil
	})
}

type mediaRequest int

const (
	mediaUnrequested mediaRequest = iota
	mediaRequestedOff
	mediaRequestedOn
)

type mediaToggle struct {
	name      string
	source    MediaSource
	requested mediaRequest
	tracks    []peer.MediaTrack
}

// useMedia moves toggle to the requested state and returns whether any
// track is attached afterwards. Acquisition and attach failures are
// logged, not returned; the only error is a failed renegotiation.
func (c *Connection) useMedia(ctx context.Context, toggle *mediaToggle, enabled bool) (bool, error) {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	want := mediaRequestedOff
	if enabled {
		want = mediaRequestedOn
	}
	if toggle.requested == want {
		return len(toggle.tracks) > 0, nil
	}
	previous := toggle.requested
	toggle.requested = want
	if (len(toggle.tracks) > 0) == enabled {
		return enabled, nil
	}

	transport := c.controller.Transport()
	changed := false
	if enabled {
		changed = c.attachMedia(ctx, toggle, transport)
		if len(toggle.tracks) == 0 {
			toggle.requested = previous
		}
	} else {
		for _, track := range toggle.tracks {
			c.logger.Info("removing media device", "device", toggle.name, "track", track.ID())
			track.Stop()
			if err := transport.RemoveTrack(track); err != nil {
				c.logger.Warn("removing media track failed", "device", toggle.name, "error", err)
			}
			changed = true
		}
		toggle.tracks = nil
	}

	if changed {
		if err := c.controller.Renegotiate(ctx); err != nil {
			return len(toggle.tracks) > 0, fmt.Errorf("renegotiating after %s change: %w", toggle.name, err)
		}
	}
	return len(toggle.tracks) > 0, nil
}

// attachMedia acquires tracks from the toggle's source and adds each
// to transport, reporting whether any was added.
func (c *Connection) attachMedia(ctx context.Context, toggle *mediaToggle, transport peer.Transport) bool {
	if toggle.source == nil {
		c.logger.Error("acquiring media device failed", "device", toggle.name, "error", ErrNoMediaSource)
		return false
	}

	tracks, err := toggle.source.Acquire(ctx)
	if err != nil {
		// Some tracks may still have been acquired.
		c.logger.Error("acquiring media device failed", "device", toggle.name, "error", err)
	}

	added := false
	for _, track := range tracks {
		if err := transport.AddTrack(track); err != nil {
			c.logger.Error("adding media track failed", "device", toggle.name, "track", track.ID(), "error", err)
			track.Stop()
			continue
		}
		c.logger.Info("using media device", "device", toggle.name, "kind", track.Kind(), "track", track.ID())
		toggle.tracks = append(toggle.tracks, track)
		added = true
	}
	return added
}

func (c *Connection) stopMedia() {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	for _, toggle := range []*mediaToggle{&c.micToggle, &c.cameraToggle} {
		for _, track := range toggle.tracks {
			track.Stop()
		}
		toggle.tracks = nil
	}
}
