// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package h5

import (
	"fmt"
	"strings"
)

// maxHexDump bounds the payload bytes printed by FormatFrame
const maxHexDump = 32

// FormatFrame formats a frame into a single human-readable line
func FormatFrame(f Frame) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s seq=%d ack=%d", f.Type, f.Seq, f.Ack)
	if f.Reliable {
		b.WriteString(" reliable")
	}
	fmt.Fprintf(&b, " len=%d", len(f.Payload))

	switch f.Type {
	case TypeLinkControl:
		b.WriteString(" ")
		b.WriteString(FormatControl(f.Payload))
	case TypeAck, TypeReset:
		// No payload
	default:
		if len(f.Payload) > 0 {
			b.WriteString(" [")
			b.WriteString(FormatHex(f.Payload))
			b.WriteString("]")
		}
	}

	return b.String()
}

// FormatControl names a LINK_CONTROL payload, including the decoded
// configuration for CONFIG and CONFIG_RESP.
func FormatControl(payload []byte) string {
	kind, config, hasConfig := ParseControl(payload)
	if kind == ControlUnknown {
		return "[UNKNOWN " + FormatHex(payload) + "]"
	}
	if hasConfig {
		return fmt.Sprintf("[%s %s]", kind, ParseConfigField(config))
	}
	return "[" + kind.String() + "]"
}

// FormatHex formats bytes as space separated hex, truncated past 32 bytes
func FormatHex(data []byte) string {
	if len(data) > maxHexDump {
		return fmt.Sprintf("% X ... (+%d)", data[:maxHexDump], len(data)-maxHexDump)
	}
	return fmt.Sprintf("% X", data)
}
