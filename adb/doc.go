// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adb speaks the Android Debug Bridge wire protocol over the
// device connection's adb-channel, so a client can reach the in-device
// adb daemon without going through the host.
//
// Every message is a 24-byte little-endian header followed by a
// payload:
//
//	offset  field             width
//	0       command           u32
//	4       arg0              u32
//	8       arg1              u32
//	12      payload length    u32
//	16      payload checksum  u32  (byte sum mod 2^32, not a CRC)
//	20      magic             u32  (command ^ 0xFFFFFFFF)
//
// [Message] and [Parser] handle the framing. The channel delivers an
// arbitrary byte stream, so the Parser buffers partial frames across
// calls and drains every complete frame it holds. A magic mismatch
// means the parser has lost frame alignment: the rest of the current
// buffer is dropped rather than guessing where the next frame starts.
// A checksum mismatch is only logged. It shows up when channel traffic
// interleaves and the message is still usable.
//
// [Bridge] runs the client half of the protocol: CNXN handshake,
// OPEN of a "shell:" stream, OKAY acknowledgement of every WRTE, and a
// liveness watchdog that reports a presumed disconnect when no CNXN or
// OKAY follows a connection-initiating action within the timeout.
//
// [Forwarder] exposes the raw adb-channel on a local TCP port so a
// host adb client ("adb connect 127.0.0.1:<port>") can drive the
// device directly. It does not use the Bridge: the host client runs
// its own handshake.
package adb
