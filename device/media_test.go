// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/devlink/lib/testutil"
	"github.com/bureau-foundation/devlink/peer"
	"github.com/bureau-foundation/devlink/peer/peertest"
)

type toggleResult struct {
	enabled bool
	err     error
}

func useMic(f *fixture, enabled bool) <-chan toggleResult {
	result := make(chan toggleResult, 1)
	go func() {
		attached, err := f.connection.UseMic(context.Background(), enabled)
		result <- toggleResult{attached, err}
	}()
	return result
}

func TestUseMicAttachesAndRenegotiates(t *testing.T) {
	track := peertest.NewTrack("mic-0", "audio")
	f := connect(t, Config{Microphone: MediaSourceFunc(func(context.Context) ([]peer.MediaTrack, error) {
		return []peer.MediaTrack{track}, nil
	})})

	result := useMic(f, true)
	f.answerRenegotiation(t)
	outcome := testutil.RequireReceive(t, result, testTimeout, "UseMic(true)")
	if outcome.err != nil || !outcome.enabled {
		t.Fatalf("UseMic(true) = %v, %v", outcome.enabled, outcome.err)
	}
	if f.transport.Tracks("audio") != 1 {
		t.Errorf("audio tracks = %d, want 1", f.transport.Tracks("audio"))
	}

	// Requesting the state already requested does nothing.
	result = useMic(f, true)
	if outcome := testutil.RequireReceive(t, result, testTimeout, "repeat UseMic(true)"); !outcome.enabled {
		t.Errorf("repeat UseMic(true) = false")
	}
	testutil.RequireNoReceive(t, f.connector.Sent(), 50*time.Millisecond, "renegotiated for a no-op toggle")

	result = useMic(f, false)
	f.answerRenegotiation(t)
	outcome = testutil.RequireReceive(t, result, testTimeout, "UseMic(false)")
	if outcome.err != nil || outcome.enabled {
		t.Fatalf("UseMic(false) = %v, %v", outcome.enabled, outcome.err)
	}
	if !track.Stopped() || f.transport.Tracks("audio") != 0 {
		t.Errorf("track not released: stopped=%v attached=%d", track.Stopped(), f.transport.Tracks("audio"))
	}
}

func TestUseMicAcquisitionFailure(t *testing.T) {
	attempts := 0
	f := connect(t, Config{Microphone: MediaSourceFunc(func(context.Context) ([]peer.MediaTrack, error) {
		attempts++
		return nil, errors.New("permission denied")
	})})

	for range 2 {
		outcome := testutil.RequireReceive(t, useMic(f, true), testTimeout, "UseMic(true)")
		if outcome.err != nil || outcome.enabled {
			t.Fatalf("UseMic(true) = %v, %v; want false without error", outcome.enabled, outcome.err)
		}
	}
	// The toggle reverted, so the second request tried again.
	if attempts != 2 {
		t.Errorf("acquisition attempts = %d, want 2", attempts)
	}
	testutil.RequireNoReceive(t, f.connector.Sent(), 50*time.Millisecond, "renegotiated without a track")
}

func TestUseCameraPartialAttach(t *testing.T) {
	good := peertest.NewTrack("camera-0", "video")
	bad := peertest.NewTrack("camera-1", "video")
	f := connect(t, Config{Camera: MediaSourceFunc(func(context.Context) ([]peer.MediaTrack, error) {
		return []peer.MediaTrack{good, bad}, errors.New("second camera busy")
	})})

	result := make(chan toggleResult, 1)
	go func() {
		attached, err := f.connection.UseCamera(context.Background(), true)
		result <- toggleResult{attached, err}
	}()
	f.answerRenegotiation(t)
	outcome := testutil.RequireReceive(t, result, testTimeout, "UseCamera(true)")
	if outcome.err != nil || !outcome.enabled {
		t.Fatalf("UseCamera(true) = %v, %v", outcome.enabled, outcome.err)
	}
	if f.transport.Tracks("video") != 2 || !f.connection.CameraEnabled() {
		t.Errorf("video tracks = %d", f.transport.Tracks("video"))
	}

	f.connection.Close()
	if !good.Stopped() || !bad.Stopped() {
		t.Error("Close did not release camera tracks")
	}
}

func TestUseMicWithoutSource(t *testing.T) {
	f := connect(t, Config{})
	outcome := testutil.RequireReceive(t, useMic(f, true), testTimeout, "UseMic(true)")
	if outcome.err != nil || outcome.enabled {
		t.Fatalf("UseMic(true) = %v, %v", outcome.enabled, outcome.err)
	}
}

func TestSampleSource(t *testing.T) {
	produced := make(chan *peer.SampleTrack, 1)
	source := SampleSource("audio", func(track *peer.SampleTrack) { produced <- track })

	tracks, err := source.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Kind() != "audio" {
		t.Fatalf("tracks = %v", tracks)
	}
	if track := testutil.RequireReceive(t, produced, testTimeout, "producer"); track != tracks[0] {
		t.Error("producer got a different track")
	}

	if _, err := SampleSource("hologram", nil).Acquire(context.Background()); err == nil {
		t.Error("Acquire with an unsupported kind succeeded")
	}
}
