// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package h5 implements the three-wire (H5) packet format carried inside
// SLIP frames: a 4 byte header with sequence and acknowledgement numbers,
// packet type, reliability flag and payload length, followed by the payload
// and an optional CRC-16.
//
// Encode and Decode are pure functions over byte slices; link establishment
// and retransmission live in package link.
package h5

// Header layout
const (
	HeaderSize     = 4
	CRCSize        = 2
	MaxPayloadSize = 0xFFF // 12 bit length field
	MaxFrameSize   = HeaderSize + MaxPayloadSize + CRCSize
	SeqModulo      = 8
)

const (
	seqMask       = 0x07
	ackPos        = 3
	crcPresentPos = 6
	reliablePos   = 7
	typeMask      = 0x0F
	lenLowMask    = 0x0F
	lenLowPos     = 4
	crcInitial    = 0xFFFF
)

// PacketType is the 4 bit packet type of the H5 header.
type PacketType uint8

// Packet types
const (
	TypeAck            PacketType = 0x00
	TypeHCICommand     PacketType = 0x01
	TypeACLData        PacketType = 0x02
	TypeSyncData       PacketType = 0x03
	TypeHCIEvent       PacketType = 0x04
	TypeReset          PacketType = 0x05
	TypeVendorSpecific PacketType = 0x0E
	TypeLinkControl    PacketType = 0x0F
)

// String returns the packet type name used in logs
func (t PacketType) String() string {
	switch t {
	case TypeAck:
		return "ACK"
	case TypeHCICommand:
		return "HCI_COMMAND"
	case TypeACLData:
		return "ACL_DATA"
	case TypeSyncData:
		return "SYNC_DATA"
	case TypeHCIEvent:
		return "HCI_EVENT"
	case TypeReset:
		return "RESET"
	case TypeVendorSpecific:
		return "VENDOR_SPECIFIC"
	case TypeLinkControl:
		return "LINK_CONTROL"
	default:
		return "UNKNOWN"
	}
}

// NextSeq returns n+1 modulo 8.
func NextSeq(n uint8) uint8 {
	return (n + 1) & seqMask
}

// PrevSeq returns n-1 modulo 8.
func PrevSeq(n uint8) uint8 {
	return (n + SeqModulo - 1) & seqMask
}
