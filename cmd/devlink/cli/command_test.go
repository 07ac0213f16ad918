// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "devlink",
		Subcommands: []*Command{
			{
				Name: "connect",
				Run: func(_ context.Context, args []string) error {
					called = "connect"
					return nil
				},
			},
			{
				Name: "shell",
				Run: func(_ context.Context, args []string) error {
					called = "shell"
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"shell"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "shell" {
		t.Errorf("dispatched to %q, want %q", called, "shell")
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var forward string
	var receivedArgs []string

	command := &Command{
		Name: "connect",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("connect", pflag.ContinueOnError)
			flagSet.StringVar(&forward, "adb-forward", "", "forward address")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			receivedArgs = args
			return nil
		},
	}

	err := command.Execute(context.Background(), []string{"cvd-1", "--adb-forward", "127.0.0.1:6520"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if forward != "127.0.0.1:6520" {
		t.Errorf("adb-forward = %q", forward)
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "cvd-1" {
		t.Errorf("args = %v, want [cvd-1]", receivedArgs)
	}
}

func TestCommand_Execute_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")

	var got any
	command := &Command{
		Name: "location",
		Run: func(ctx context.Context, _ []string) error {
			got = ctx.Value(key{})
			return nil
		},
	}
	if err := command.Execute(ctx, nil); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got != "value" {
		t.Errorf("context value = %v", got)
	}
}

func TestCommand_Execute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name: "devlink",
		Subcommands: []*Command{
			{Name: "bluetooth", Run: func(context.Context, []string) error { return nil }},
			{Name: "location", Run: func(context.Context, []string) error { return nil }},
		},
	}

	err := root.Execute(context.Background(), []string{"bluetoth"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "bluetooth"`) {
		t.Errorf("error should suggest bluetooth, got: %v", err)
	}
	if ExitCode(err) != ExitValidation {
		t.Errorf("ExitCode = %d, want %d", ExitCode(err), ExitValidation)
	}
}

func TestCommand_Execute_UnknownFlagSuggests(t *testing.T) {
	command := &Command{
		Name: "shell",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("shell", pflag.ContinueOnError)
			flagSet.Duration("timeout", 0, "timeout")
			return flagSet
		},
		Run: func(context.Context, []string) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--timeot", "5s"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --timeout?") {
		t.Errorf("error should suggest --timeout, got: %v", err)
	}
}

func TestCommand_Execute_SubcommandRequired(t *testing.T) {
	var help bytes.Buffer
	root := &Command{
		Name:       "devlink",
		HelpOutput: &help,
		Subcommands: []*Command{
			{Name: "connect", Summary: "Connect to a device"},
		},
	}

	err := root.Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "subcommand required") {
		t.Fatalf("expected subcommand required, got %v", err)
	}
	if !strings.Contains(help.String(), "Connect to a device") {
		t.Errorf("help should list subcommands, got:\n%s", help.String())
	}
}

func TestCommand_Execute_Help(t *testing.T) {
	var help bytes.Buffer
	ran := false
	root := &Command{
		Name:       "devlink",
		HelpOutput: &help,
		Subcommands: []*Command{
			{
				Name:        "location",
				Summary:     "Send a location fix",
				Description: "Send one longitude, latitude, altitude fix.",
				Usage:       "devlink location <device> <lon> <lat> <alt>",
				Examples: []Example{
					{Description: "Mountain View", Command: "devlink location cvd-1 -122.084 37.422 10"},
				},
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("location", pflag.ContinueOnError)
					flagSet.Duration("timeout", 0, "how long to wait for delivery")
					return flagSet
				},
				Run: func(context.Context, []string) error {
					ran = true
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"location", "cvd-1", "--help"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if ran {
		t.Error("--help should not run the command")
	}
	output := help.String()
	for _, want := range []string{
		"Send one longitude",
		"devlink location <device> <lon> <lat> <alt>",
		"--timeout",
		"# Mountain View",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help missing %q:\n%s", want, output)
		}
	}
}

func TestCommand_Execute_RunErrorPassesThrough(t *testing.T) {
	sentinel := errors.New("boom")
	command := &Command{
		Name: "connect",
		Run:  func(context.Context, []string) error { return sentinel },
	}
	if err := command.Execute(context.Background(), nil); !errors.Is(err, sentinel) {
		t.Errorf("Execute() = %v, want sentinel", err)
	}
}
