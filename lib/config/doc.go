// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads devlink client configuration.
//
// Configuration comes from a single file named either by the
// DEVLINK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no search path and no ~/.config
// discovery. Files ending in .json or .jsonc are parsed as JSON with
// comments and trailing commas; anything else is YAML.
//
// The file may carry development and production sections that override
// base values when [Config].Environment matches. Production is
// stricter: signaling must use TLS and logging defaults to info.
//
// ${VAR} and ${VAR:-default} patterns in URL and address fields are
// expanded after loading. No other environment variables override
// config values; command-line flags do, in cmd/devlink.
//
// This package depends on no other devlink packages.
package config
