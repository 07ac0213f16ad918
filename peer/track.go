// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SampleTrack is a MediaTrack fed with already-encoded samples (Opus
// for audio, VP8 for video). It stands in for a capture device: the
// producer calls WriteSample, and Stop runs the release hook.
type SampleTrack struct {
	kind  string
	local *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	release  func()
}

// NewSampleTrack creates a track of the given kind ("audio" or
// "video"). release, if non-nil, runs once when the track is stopped.
func NewSampleTrack(kind, streamID string, release func()) (*SampleTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case "audio":
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case "video":
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, kind, streamID)
	if err != nil {
		return nil, fmt.Errorf("creating %s track: %w", kind, err)
	}
	return &SampleTrack{kind: kind, local: local, release: release}, nil
}

func (t *SampleTrack) ID() string   { return t.local.ID() + "/" + t.local.StreamID() }
func (t *SampleTrack) Kind() string { return t.kind }

// LocalTrack exposes the pion track to PionTransport.AddTrack.
func (t *SampleTrack) LocalTrack() webrtc.TrackLocal { return t.local }

// WriteSample sends one encoded frame lasting duration.
func (t *SampleTrack) WriteSample(data []byte, duration time.Duration) error {
	return t.local.WriteSample(media.Sample{Data: data, Duration: duration})
}

func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}
