// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/devlink/lib/testutil"
)

// fakeSignalingServer speaks the server side of the WebSocket
// protocol. Each client envelope is handed to respond, and whatever it
// returns is written back.
func fakeSignalingServer(t *testing.T, respond func(envelope map[string]json.RawMessage) []any) (string, <-chan map[string]json.RawMessage) {
	t.Helper()
	received := make(chan map[string]json.RawMessage, 16)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connection, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer connection.Close()
		for {
			var envelope map[string]json.RawMessage
			if err := connection.ReadJSON(&envelope); err != nil {
				return
			}
			received <- envelope
			for _, reply := range respond(envelope) {
				if err := connection.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), received
}

func messageType(envelope map[string]json.RawMessage) string {
	var value string
	json.Unmarshal(envelope["message_type"], &value)
	return value
}

func TestWebSocketConnectorRequestDevice(t *testing.T) {
	url, received := fakeSignalingServer(t, func(envelope map[string]json.RawMessage) []any {
		switch messageType(envelope) {
		case "connect":
			return []any{
				map[string]any{"message_type": "config", "ice_servers": []any{
					map[string]any{"urls": "stun:stun.example.com:19302"},
				}},
				map[string]any{"message_type": "device_info", "device_info": map[string]any{"hardware": map[string]any{"cpus": 4}}},
			}
		case "forward":
			// Echo the forwarded payload back as a device message.
			return []any{map[string]any{"message_type": "device_msg", "payload": envelope["payload"]}}
		}
		return nil
	})

	connector, err := DialWebSocket(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer connector.Close()

	messages := make(chan json.RawMessage, 4)
	connector.OnDeviceMessage(func(message json.RawMessage) { messages <- message })

	device, err := connector.RequestDevice(context.Background(), "cvd-1")
	if err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	connect := testutil.RequireReceive(t, received, testTimeout, "waiting for connect envelope")
	if string(connect["device_id"]) != `"cvd-1"` {
		t.Errorf("device_id = %s", connect["device_id"])
	}
	if string(device.Info) != `{"hardware":{"cpus":4}}` {
		t.Errorf("device info = %s", device.Info)
	}
	if len(device.Infra.ICEServers) != 1 || device.Infra.ICEServers[0].URLs[0] != "stun:stun.example.com:19302" {
		t.Errorf("ice servers = %+v", device.Infra.ICEServers)
	}

	if err := connector.SendToDevice(context.Background(), map[string]string{"type": "answer", "sdp": "x"}); err != nil {
		t.Fatalf("SendToDevice: %v", err)
	}
	forward := testutil.RequireReceive(t, received, testTimeout, "waiting for forward envelope")
	if messageType(forward) != "forward" {
		t.Errorf("message_type = %s", forward["message_type"])
	}
	echoed := testutil.RequireReceive(t, messages, testTimeout, "waiting for device message")
	var payload map[string]string
	if err := json.Unmarshal(echoed, &payload); err != nil || payload["type"] != "answer" {
		t.Errorf("device message = %s", echoed)
	}
}

func TestWebSocketConnectorServerError(t *testing.T) {
	url, _ := fakeSignalingServer(t, func(map[string]json.RawMessage) []any {
		return []any{map[string]any{"message_type": "device_info", "error": "device not found"}}
	})
	connector, err := DialWebSocket(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer connector.Close()

	_, err = connector.RequestDevice(context.Background(), "missing")
	var serverError *ServerError
	if !errors.As(err, &serverError) || serverError.Message != "device not found" {
		t.Fatalf("RequestDevice = %v, want ServerError", err)
	}
}

func TestWebSocketConnectorUnknownMessageType(t *testing.T) {
	url, _ := fakeSignalingServer(t, func(map[string]json.RawMessage) []any {
		return []any{map[string]any{"message_type": "mystery"}}
	})
	connector, err := DialWebSocket(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer connector.Close()

	if _, err := connector.RequestDevice(context.Background(), "cvd-1"); err == nil || !strings.Contains(err.Error(), "mystery") {
		t.Fatalf("RequestDevice = %v, want unrecognized message type error", err)
	}
}

func TestWebSocketConnectorClosed(t *testing.T) {
	url, _ := fakeSignalingServer(t, func(map[string]json.RawMessage) []any { return nil })
	connector, err := DialWebSocket(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := connector.RequestDevice(context.Background(), "cvd-1")
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	connector.Close()

	if err := testutil.RequireReceive(t, result, testTimeout, "waiting for RequestDevice"); err == nil {
		t.Fatal("RequestDevice succeeded on a closed connector")
	}
	if err := connector.SendToDevice(context.Background(), "x"); !errors.Is(err, ErrConnectorClosed) {
		t.Errorf("SendToDevice after Close = %v, want ErrConnectorClosed", err)
	}
}

func TestDialFallsBackToPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", http.NotFound)
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ice_servers":[{"urls":["stun:poll.example.com"]}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	connector, err := Dial(context.Background(), Endpoints{
		WebSocketURL:   "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		PollConfigURL:  server.URL + "/config",
		PollConnectURL: server.URL + "/connect",
		PollForwardURL: server.URL + "/forward",
		PollMessageURL: server.URL + "/poll",
	}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer connector.Close()

	polling, ok := connector.(*PollingConnector)
	if !ok {
		t.Fatalf("Dial returned %T, want *PollingConnector", connector)
	}
	if len(polling.infra.ICEServers) != 1 {
		t.Errorf("polling infra = %+v", polling.infra)
	}
}

func TestDialWithoutEndpoints(t *testing.T) {
	if _, err := Dial(context.Background(), Endpoints{}, nil); err == nil {
		t.Fatal("Dial with no endpoints succeeded")
	}
}
