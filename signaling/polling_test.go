// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/devlink/lib/clock"
	"github.com/bureau-foundation/devlink/lib/testutil"
)

// pollServer is a scripted polling signaling server. Each /poll
// request takes the next queued batch, or an empty list.
type pollServer struct {
	*httptest.Server

	mu       sync.Mutex
	batches  [][]json.RawMessage
	forwards []json.RawMessage
	polls    chan json.RawMessage
}

func newPollServer(t *testing.T) *pollServer {
	t.Helper()
	server := &pollServer{polls: make(chan json.RawMessage, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ice_servers":["stun.example.com:19302"]}`))
	})
	mux.HandleFunc("POST /connect", func(w http.ResponseWriter, r *http.Request) {
		var request connectRequest
		json.NewDecoder(r.Body).Decode(&request)
		if request.DeviceID != "cvd-1" {
			http.Error(w, "no such device", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"connection_id":7,"device_info":{"device_id":"cvd-1"}}`))
	})
	mux.HandleFunc("POST /forward", func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ConnectionID json.RawMessage `json:"connection_id"`
			Payload      json.RawMessage `json:"payload"`
		}
		json.NewDecoder(r.Body).Decode(&request)
		server.mu.Lock()
		server.forwards = append(server.forwards, request.Payload)
		server.mu.Unlock()
		w.Write([]byte(`[{"type":"answer","sdp":"from-forward"}]`))
	})
	mux.HandleFunc("POST /poll", func(w http.ResponseWriter, r *http.Request) {
		var request pollRequest
		json.NewDecoder(r.Body).Decode(&request)
		server.mu.Lock()
		var batch []json.RawMessage
		if len(server.batches) > 0 {
			batch = server.batches[0]
			server.batches = server.batches[1:]
		}
		server.mu.Unlock()
		if batch == nil {
			batch = []json.RawMessage{}
		}
		json.NewEncoder(w).Encode(batch)
		server.polls <- request.ConnectionID
	})
	server.Server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func (s *pollServer) queue(messages ...string) {
	batch := make([]json.RawMessage, len(messages))
	for index, message := range messages {
		batch[index] = json.RawMessage(message)
	}
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
}

func (s *pollServer) connector(t *testing.T, fake *clock.FakeClock) *PollingConnector {
	t.Helper()
	connector, err := NewPollingConnector(context.Background(), PollingConfig{
		ConfigURL:  s.URL + "/config",
		ConnectURL: s.URL + "/connect",
		ForwardURL: s.URL + "/forward",
		PollURL:    s.URL + "/poll",
		Clock:      fake,
	})
	if err != nil {
		t.Fatalf("NewPollingConnector: %v", err)
	}
	t.Cleanup(func() { connector.Close() })
	return connector
}

func TestPollingConnectorRequestDevice(t *testing.T) {
	server := newPollServer(t)
	connector := server.connector(t, clock.Fake(time.Unix(0, 0)))

	device, err := connector.RequestDevice(context.Background(), "cvd-1")
	if err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if string(device.Info) != `{"device_id":"cvd-1"}` {
		t.Errorf("device info = %s", device.Info)
	}
	if len(device.Infra.ICEServers) != 1 || device.Infra.ICEServers[0].URLs[0] != "stun:stun.example.com:19302" {
		t.Errorf("ice servers = %+v", device.Infra.ICEServers)
	}

	if _, err := connector.RequestDevice(context.Background(), "missing"); err == nil || !strings.Contains(err.Error(), "no such device") {
		t.Errorf("RequestDevice(missing) = %v, want server error body", err)
	}
}

func TestPollingConnectorForwardDeliversReplies(t *testing.T) {
	server := newPollServer(t)
	connector := server.connector(t, clock.Fake(time.Unix(0, 0)))

	var delivered []string
	connector.OnDeviceMessage(func(message json.RawMessage) { delivered = append(delivered, string(message)) })

	if err := connector.SendToDevice(context.Background(), map[string]string{"type": "offer"}); err == nil {
		t.Fatal("SendToDevice before RequestDevice succeeded")
	}
	if _, err := connector.RequestDevice(context.Background(), "cvd-1"); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if err := connector.SendToDevice(context.Background(), map[string]string{"type": "offer"}); err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}

	if len(delivered) != 1 || delivered[0] != `{"type":"answer","sdp":"from-forward"}` {
		t.Errorf("delivered = %v", delivered)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.forwards) != 1 || string(server.forwards[0]) != `{"type":"offer"}` {
		t.Errorf("server received %v", server.forwards)
	}
}

func TestPollingConnectorBackoff(t *testing.T) {
	server := newPollServer(t)
	fake := clock.Fake(time.Unix(0, 0))
	connector := server.connector(t, fake)

	messages := make(chan json.RawMessage, 4)
	connector.OnDeviceMessage(func(message json.RawMessage) { messages <- message })

	server.queue(`{"type":"offer","sdp":"polled"}`)
	if _, err := connector.RequestDevice(context.Background(), "cvd-1"); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}

	// First poll after the initial delay returns a message.
	fake.WaitForTimers(1)
	fake.Advance(InitialPollDelay)
	if id := testutil.RequireReceive(t, server.polls, testTimeout, "first poll"); string(id) != "7" {
		t.Errorf("connection_id = %s, want 7", id)
	}
	if message := testutil.RequireReceive(t, messages, testTimeout, "polled message"); string(message) != `{"type":"offer","sdp":"polled"}` {
		t.Errorf("message = %s", message)
	}

	// Messages reset the delay to one second; the empty poll doubles it.
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	testutil.RequireReceive(t, server.polls, testTimeout, "second poll")

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	testutil.RequireNoReceive(t, server.polls, 50*time.Millisecond, "poll before the doubled delay")
	fake.Advance(time.Second)
	testutil.RequireReceive(t, server.polls, testTimeout, "third poll")
}

func TestNextPollDelay(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		received int
		want     time.Duration
	}{
		{"doubles", time.Second, 0, 2 * time.Second},
		{"doubles again", 8 * time.Second, 0, 16 * time.Second},
		{"caps", 40 * time.Second, 0, MaxPollDelay},
		{"stays capped", MaxPollDelay, 0, MaxPollDelay},
		{"resets on messages", 32 * time.Second, 3, InitialPollDelay},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := nextPollDelay(test.delay, test.received); got != test.want {
				t.Errorf("nextPollDelay(%s, %d) = %s, want %s", test.delay, test.received, got, test.want)
			}
		})
	}
}

func TestPollingConnectorConfigValidation(t *testing.T) {
	if _, err := NewPollingConnector(context.Background(), PollingConfig{ConfigURL: "http://x/config"}); err == nil {
		t.Fatal("NewPollingConnector accepted missing endpoints")
	}
}

func TestPollingConnectorCloseStopsPolling(t *testing.T) {
	server := newPollServer(t)
	fake := clock.Fake(time.Unix(0, 0))
	connector := server.connector(t, fake)
	if _, err := connector.RequestDevice(context.Background(), "cvd-1"); err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	fake.WaitForTimers(1)

	done := make(chan struct{})
	go func() {
		connector.Close()
		close(done)
	}()
	testutil.RequireClosed(t, done, testTimeout, "Close did not stop the poll loop")
	if err := connector.SendToDevice(context.Background(), "x"); err == nil {
		t.Error("SendToDevice after Close succeeded")
	}
}
