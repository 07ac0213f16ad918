// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"testing"
)

func TestToolError_ErrorWithHint(t *testing.T) {
	err := Validation("device id required").
		WithHint("Pass a device id or set device_id in the config file.")

	want := "device id required\n\nPass a device id or set device_id in the config file."
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestToolError_HintSurvivesErrorsAs(t *testing.T) {
	inner := Transient("signaling unreachable").WithHint("check signaling.server")
	wrapped := fmt.Errorf("connect: %w", inner)

	var toolErr *ToolError
	if !errors.As(wrapped, &toolErr) {
		t.Fatal("errors.As should find ToolError in wrapped chain")
	}
	if toolErr.Hint != "check signaling.server" {
		t.Errorf("Hint = %q", toolErr.Hint)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"validation", Validation("bad"), ExitValidation},
		{"not found", NotFound("missing"), ExitNotFound},
		{"transient", Transient("timeout"), ExitTransient},
		{"internal", Internal("bug"), ExitInternal},
		{"plain", errors.New("plain"), ExitInternal},
		{"wrapped", fmt.Errorf("outer: %w", Transient("inner")), ExitTransient},
		{"exit error", &ExitError{Code: 7}, 7},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode() = %d, want %d", got, test.want)
			}
		})
	}
}
