// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// devlink connects to a virtual device through its signaling server
// and exposes the device's data channels on the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devlink/cmd/devlink/cli"
	"github.com/bureau-foundation/devlink/lib/config"
	"github.com/bureau-foundation/devlink/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		// ExitError means the command already reported its outcome.
		if _, ok := err.(*cli.ExitError); !ok {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(cli.ExitCode(err))
	}
}

// globalFlags are parsed before the subcommand name.
type globalFlags struct {
	configPath  string
	verbose     bool
	showVersion bool
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	flagSet := pflag.NewFlagSet("devlink", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&flags.configPath, "config", "", "config file (default $DEVLINK_CONFIG)")
	flagSet.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&flags.showVersion, "version", false, "print version information")
	// --help is left to the command tree.
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return flags, nil, cli.Validation("%s", err).WithHint("Run 'devlink --help' for usage.")
	}
	remaining := flagSet.Args()
	if help, _ := flagSet.GetBool("help"); help {
		remaining = append([]string{"--help"}, remaining...)
	}
	return flags, remaining, nil
}

// loadConfig reads the file named by --config or DEVLINK_CONFIG, or
// falls back to defaults when neither is set.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("DEVLINK_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, cli.Validation("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cli.Validation("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags, args, err := parseGlobalFlags(args)
	if err != nil {
		return err
	}
	if flags.showVersion {
		fmt.Fprintf(stdout, "devlink %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	levelName := cfg.Log.Level
	if flags.verbose {
		levelName = "debug"
	}
	level, err := cli.ParseLevel(levelName)
	if err != nil {
		return cli.Validation("%w", err)
	}

	s := newSession(cfg, cli.NewCommandLogger(level), stdout)
	return root(s).Execute(ctx, args)
}

func root(s *session) *cli.Command {
	return &cli.Command{
		Name: "devlink",
		Description: `devlink: command-line client for virtual devices.

Connects to a device through its signaling server over WebRTC and
drives its ADB, Bluetooth, and location channels.

Global flags (before the command):
  --config path   config file (default $DEVLINK_CONFIG)
  -v, --verbose   log at debug level
  --version       print version information`,
		Subcommands: []*cli.Command{
			connectCommand(s),
			shellCommand(s),
			bluetoothCommand(s),
			locationCommand(s),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string) error {
					fmt.Fprintf(s.stdout, "devlink %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
