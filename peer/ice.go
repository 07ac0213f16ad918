// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServer is a STUN or TURN server, in the JSON shape signaling
// servers hand out. On decode "urls" may be a single string or a list,
// and a bare JSON string is taken as a STUN host ("host:port").
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// UnmarshalJSON accepts "urls" as a string or an array of strings.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var host string
	if err := json.Unmarshal(data, &host); err == nil {
		if !hasICEScheme(host) {
			host = "stun:" + host
		}
		*s = ICEServer{URLs: []string{host}}
		return nil
	}

	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil

	if len(raw.URLs) == 0 || string(raw.URLs) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		s.URLs = []string{single}
		return nil
	}
	if err := json.Unmarshal(raw.URLs, &s.URLs); err != nil {
		return fmt.Errorf("ice server urls: %w", err)
	}
	return nil
}

func hasICEScheme(url string) bool {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

// toPion converts servers for pion's Configuration. An empty list means
// host candidates only, which is enough for same-machine and LAN use.
func toPion(servers []ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return nil
	}
	converted := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		converted = append(converted, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return converted
}
