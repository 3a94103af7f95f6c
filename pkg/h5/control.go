// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package h5

import (
	"bytes"
	"fmt"
)

// ControlKind identifies a LINK_CONTROL sub-message
type ControlKind int

const (
	ControlUnknown ControlKind = iota
	ControlSync
	ControlSyncResponse
	ControlConfig
	ControlConfigResponse
	ControlWakeup
	ControlWoken
	ControlSleep
)

// DefaultConfigField advertises a sliding window of 1 with CRC data
// integrity checks and no out-of-frame flow control.
const DefaultConfigField = 0x11

var controlPatterns = []struct {
	kind    ControlKind
	pattern []byte
	name    string
}{
	{ControlSync, []byte{0x01, 0x7E}, "SYNC"},
	{ControlSyncResponse, []byte{0x02, 0x7D}, "SYNC_RESP"},
	{ControlConfig, []byte{0x03, 0xFC}, "CONFIG"},
	{ControlConfigResponse, []byte{0x04, 0x7B}, "CONFIG_RESP"},
	{ControlWakeup, []byte{0x05, 0xFA}, "WAKEUP"},
	{ControlWoken, []byte{0x06, 0xF9}, "WOKEN"},
	{ControlSleep, []byte{0x07, 0x78}, "SLEEP"},
}

// String returns the sub-message name
func (k ControlKind) String() string {
	for _, p := range controlPatterns {
		if p.kind == k {
			return p.name
		}
	}
	return "UNKNOWN"
}

// ControlPayload returns the LINK_CONTROL payload for kind. CONFIG and
// CONFIG_RESP carry config as their third byte.
func ControlPayload(kind ControlKind, config byte) []byte {
	for _, p := range controlPatterns {
		if p.kind != kind {
			continue
		}
		out := append([]byte(nil), p.pattern...)
		if kind == ControlConfig || kind == ControlConfigResponse {
			out = append(out, config)
		}
		return out
	}
	return nil
}

// ParseControl identifies a LINK_CONTROL payload. For CONFIG and
// CONFIG_RESP the configuration byte is returned; hasConfig is false when
// the peer omitted it.
func ParseControl(payload []byte) (kind ControlKind, config byte, hasConfig bool) {
	for _, p := range controlPatterns {
		if !bytes.HasPrefix(payload, p.pattern) {
			continue
		}
		if (p.kind == ControlConfig || p.kind == ControlConfigResponse) && len(payload) > len(p.pattern) {
			return p.kind, payload[len(p.pattern)], true
		}
		return p.kind, 0, false
	}
	return ControlUnknown, 0, false
}

// ConfigField is the unpacked CONFIG byte
type ConfigField struct {
	SlidingWindow uint8
	OutOfFrame    bool
	DataIntegrity bool
	Version       uint8
}

// ParseConfigField unpacks a CONFIG byte
func ParseConfigField(b byte) ConfigField {
	return ConfigField{
		SlidingWindow: b & 0x07,
		OutOfFrame:    b&0x08 != 0,
		DataIntegrity: b&0x10 != 0,
		Version:       b >> 5,
	}
}

// String formats the field the way it appears in packet logs
func (c ConfigField) String() string {
	return fmt.Sprintf("window=%d oof=%t crc=%t version=%d",
		c.SlidingWindow, c.OutOfFrame, c.DataIntegrity, c.Version)
}
