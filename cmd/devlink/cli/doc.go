// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for devlink.
//
// The central type is [Command], a named subcommand with a
// [pflag.FlagSet] factory and a Run function. Commands are assembled
// into a tree in cmd/devlink and dispatched via [Command.Execute],
// which handles flag parsing, subcommand routing, and help output.
//
// Unknown subcommands and flags get a "did you mean" suggestion based
// on Levenshtein distance (suggest.go).
//
// Commands return categorized errors ([Validation], [NotFound],
// [Transient], [Internal]) so main can choose an exit code without
// parsing message text.
package cli
