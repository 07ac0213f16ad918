// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devlink/cmd/devlink/cli"
)

func locationCommand(s *session) *cli.Command {
	var (
		kmlPath string
		gpxPath string
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "location",
		Summary: "Send a location fix or route to a device",
		Description: `Send a single longitude, latitude, altitude fix to the device's GNSS,
or replay a KML or GPX route file.`,
		Usage: "devlink location [flags] <device> [<lon> <lat> <alt>]",
		Examples: []cli.Example{
			{Command: "devlink location cvd-1 -122.084 37.422 10"},
			{Description: "Flags go before the device", Command: "devlink location --gpx drive.gpx cvd-1"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("location", pflag.ContinueOnError)
			// Stop at the device id so negative coordinates are not
			// parsed as flags.
			flagSet.SetInterspersed(false)
			flagSet.StringVar(&kmlPath, "kml", "", "KML route file to send")
			flagSet.StringVar(&gpxPath, "gpx", "", "GPX route file to send")
			flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the device")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			deviceID, rest, err := s.deviceID(args)
			if err != nil {
				return err
			}
			send, err := locationSender(rest, kmlPath, gpxPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			connection, err := s.connect(ctx, deviceID, connectOptions{})
			if err != nil {
				return err
			}
			defer connection.Close()

			if err := send(connection); err != nil {
				return cli.Internal("sending location: %w", err)
			}
			if err := connection.Flush(ctx); err != nil {
				return cli.Transient("location channel did not open: %w", err)
			}
			return nil
		},
	}
}

// locationSink is the part of device.Connection locationSender needs.
type locationSink interface {
	SendLocation(longitude, latitude, altitude float64) error
	SendKmlLocationsMessage(kml string) error
	SendGpxLocationsMessage(gpx string) error
}

// locationSender validates the arguments up front so bad input fails
// before any network traffic.
func locationSender(args []string, kmlPath, gpxPath string) (func(locationSink) error, error) {
	switch {
	case kmlPath != "" && gpxPath != "":
		return nil, cli.Validation("--kml and --gpx are mutually exclusive")
	case kmlPath != "" || gpxPath != "":
		if len(args) > 0 {
			return nil, cli.Validation("coordinates cannot be combined with a route file")
		}
		path := kmlPath + gpxPath
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, cli.Validation("reading route file: %w", err)
		}
		if kmlPath != "" {
			return func(sink locationSink) error { return sink.SendKmlLocationsMessage(string(data)) }, nil
		}
		return func(sink locationSink) error { return sink.SendGpxLocationsMessage(string(data)) }, nil
	}

	if len(args) != 3 {
		return nil, cli.Validation("expected <lon> <lat> <alt>, got %d arguments", len(args))
	}
	var coordinates [3]float64
	for index, name := range []string{"longitude", "latitude", "altitude"} {
		value, err := strconv.ParseFloat(args[index], 64)
		if err != nil {
			return nil, cli.Validation("invalid %s %q", name, args[index])
		}
		coordinates[index] = value
	}
	if coordinates[0] < -180 || coordinates[0] > 180 {
		return nil, cli.Validation("longitude %v out of range [-180, 180]", coordinates[0])
	}
	if coordinates[1] < -90 || coordinates[1] > 90 {
		return nil, cli.Validation("latitude %v out of range [-90, 90]", coordinates[1])
	}
	return func(sink locationSink) error {
		return sink.SendLocation(coordinates[0], coordinates[1], coordinates[2])
	}, nil
}
