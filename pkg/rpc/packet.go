// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rpc

import "fmt"

// Kind is the first byte of every VENDOR_SPECIFIC payload
type Kind uint8

const (
	KindCommand  Kind = 0x00
	KindResponse Kind = 0x01
	KindEvent    Kind = 0x02
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "COMMAND"
	case KindResponse:
		return "RESPONSE"
	case KindEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("KIND(0x%02X)", uint8(k))
	}
}

// Packet is a decoded serialization packet. Opcode is only meaningful for
// commands and responses.
type Packet struct {
	Kind   Kind
	Opcode uint8
	Data   []byte
}

// NewCommand creates a command packet for opcode with the encoded command
// body.
func NewCommand(opcode uint8, body []byte) Packet {
	return Packet{Kind: KindCommand, Opcode: opcode, Data: body}
}

// NewResponse creates a response packet, as sent by the target.
func NewResponse(opcode uint8, result []byte) Packet {
	return Packet{Kind: KindResponse, Opcode: opcode, Data: result}
}

// NewEvent creates an event packet, as sent by the target.
func NewEvent(data []byte) Packet {
	return Packet{Kind: KindEvent, Data: data}
}

// Encode returns the wire form: kind, opcode (commands and responses only),
// data.
func (p Packet) Encode() []byte {
	if p.Kind == KindEvent {
		out := make([]byte, 0, 1+len(p.Data))
		out = append(out, byte(p.Kind))
		return append(out, p.Data...)
	}
	out := make([]byte, 0, 2+len(p.Data))
	out = append(out, byte(p.Kind), p.Opcode)
	return append(out, p.Data...)
}

// Parse decodes a VENDOR_SPECIFIC payload. Data aliases payload.
func Parse(payload []byte) (Packet, error) {
	if len(payload) == 0 {
		return Packet{}, ErrEmptyPacket
	}

	kind := Kind(payload[0])
	switch kind {
	case KindEvent:
		return Packet{Kind: kind, Data: payload[1:]}, nil
	case KindCommand, KindResponse:
		if len(payload) < 2 {
			return Packet{}, fmt.Errorf("%w: %s without opcode", ErrShortPacket, kind)
		}
		return Packet{Kind: kind, Opcode: payload[1], Data: payload[2:]}, nil
	default:
		return Packet{}, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, payload[0])
	}
}

// String formats the packet for logs
func (p Packet) String() string {
	if p.Kind == KindEvent {
		return fmt.Sprintf("%s len=%d", p.Kind, len(p.Data))
	}
	return fmt.Sprintf("%s opcode=0x%02X len=%d", p.Kind, p.Opcode, len(p.Data))
}
