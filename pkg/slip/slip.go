// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package slip implements the SLIP byte-stuffing used to delimit H5 frames
// on a raw serial byte stream.
//
// A frame on the wire is End, the escaped frame body, End. Inside the body
// End is sent as Esc EscEnd and Esc as Esc EscEsc, so the delimiter never
// appears in payload data.
package slip

import "errors"

// Framing bytes
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// DefaultMaxFrameSize bounds an unescaped frame: 4 byte H5 header, 4095 byte
// payload and a 2 byte CRC.
const DefaultMaxFrameSize = 4 + 4095 + 2

var (
	// ErrFrameTooLarge is returned when an inbound frame grows past the
	// decoder's maximum frame size. The partial frame is discarded.
	ErrFrameTooLarge = errors.New("slip: frame too large")
	// ErrBadEscape is returned when Esc is followed by anything other than
	// EscEnd or EscEsc. The partial frame is discarded.
	ErrBadEscape = errors.New("slip: invalid escape sequence")
)

// Encode wraps data in SLIP framing.
// Adds End byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	// Worst case every byte is escaped
	result := make([]byte, 0, len(data)*2+2)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	return append(result, End)
}

// Unescape removes byte stuffing from a complete frame body.
// Delimiters anywhere in data are skipped. This is the inverse of Encode.
func Unescape(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			switch b {
			case EscEnd:
				result = append(result, End)
			case EscEsc:
				result = append(result, Esc)
			default:
				return nil, ErrBadEscape
			}
			escapeNext = false
			continue
		}

		switch b {
		case End:
			continue
		case Esc:
			escapeNext = true
		default:
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, ErrBadEscape
	}

	return result, nil
}
