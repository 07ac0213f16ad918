// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "fmt"

// EncodeBluetoothCommand builds a rootcanal console command:
// [name length][name][arg count] followed by [arg length][arg] for
// each argument. Every length and the count must fit in one byte.
func EncodeBluetoothCommand(name string, args ...string) ([]byte, error) {
	if len(name) > 0xff {
		return nil, fmt.Errorf("bluetooth command name is %d bytes, limit is 255", len(name))
	}
	if len(args) > 0xff {
		return nil, fmt.Errorf("bluetooth command has %d arguments, limit is 255", len(args))
	}

	size := 2 + len(name)
	for index, arg := range args {
		if len(arg) > 0xff {
			return nil, fmt.Errorf("bluetooth argument %d is %d bytes, limit is 255", index, len(arg))
		}
		size += 1 + len(arg)
	}

	message := make([]byte, 0, size)
	message = append(message, byte(len(name)))
	message = append(message, name...)
	message = append(message, byte(len(args)))
	for _, arg := range args {
		message = append(message, byte(len(arg)))
		message = append(message, arg...)
	}
	return message, nil
}

// DecodeBluetoothReply reads the first byte as a length and returns
// that many following bytes as text. Any arg count or further fields
// are ignored; rootcanal replies carry a single string. A length past
// the end of the message is truncated to what is present.
func DecodeBluetoothReply(message []byte) string {
	if len(message) == 0 {
		return ""
	}
	length := min(int(message[0]), len(message)-1)
	return string(message[1 : 1+length])
}
