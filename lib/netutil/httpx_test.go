// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"strings"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	var decoded struct {
		ConnectionID string `json:"connection_id"`
	}
	err := DecodeResponse(strings.NewReader(`{"connection_id":"c-1"}`), &decoded)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.ConnectionID != "c-1" {
		t.Errorf("connection_id = %q, want %q", decoded.ConnectionID, "c-1")
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	var decoded map[string]any
	err := DecodeResponse(strings.NewReader(`{"connection_id":`), &decoded)
	if err == nil {
		t.Fatal("expected an error for truncated JSON")
	}
	if !strings.Contains(err.Error(), "decoding response body") {
		t.Errorf("error = %q, want the decoding context", err)
	}
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(strings.NewReader("device not found")); got != "device not found" {
		t.Errorf("ErrorBody = %q", got)
	}
}
