// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"shell", "shell", 0},
		{"shel", "shell", 1},
		{"sehll", "shell", 2},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestSuggestCommand(t *testing.T) {
	commands := []*Command{{Name: "connect"}, {Name: "shell"}, {Name: "bluetooth"}}

	if got := suggestCommand("conect", commands); got != "connect" {
		t.Errorf("suggestCommand(conect) = %q", got)
	}
	if got := suggestCommand("xyzzyplugh", commands); got != "" {
		t.Errorf("suggestCommand(xyzzyplugh) = %q, want none", got)
	}
}

func TestSuggestFlag(t *testing.T) {
	flagSet := pflag.NewFlagSet("connect", pflag.ContinueOnError)
	flagSet.String("adb-forward", "", "")
	flagSet.BoolP("verbose", "v", false, "")

	if got := suggestFlag([]string{"--adb-froward=x"}, flagSet); got != "--adb-forward" {
		t.Errorf("suggestFlag = %q, want --adb-forward", got)
	}
	if got := suggestFlag([]string{"-v", "--verbos"}, flagSet); got != "--verbose" {
		t.Errorf("suggestFlag = %q, want --verbose", got)
	}
	if got := suggestFlag([]string{"--completely-different"}, flagSet); got != "" {
		t.Errorf("suggestFlag = %q, want none", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "info", "warn", "error"} {
		if _, err := ParseLevel(name); err != nil {
			t.Errorf("ParseLevel(%q): %v", name, err)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("ParseLevel(chatty) should fail")
	}
}
