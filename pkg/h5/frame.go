// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package h5

// Frame is a decoded H5 packet
type Frame struct {
	Seq      uint8
	Ack      uint8
	Reliable bool
	Type     PacketType
	Payload  []byte
}

// Encode builds the wire form of f (before SLIP escaping).
// Reliable frames carry a trailing little-endian CRC-16 over header and
// payload.
func Encode(f Frame) ([]byte, error) {
	if f.Seq > seqMask || f.Ack > seqMask {
		return nil, frameErrorf(KindInvalidField, "seq=%d ack=%d", f.Seq, f.Ack)
	}
	if uint8(f.Type) > typeMask {
		return nil, frameErrorf(KindInvalidField, "type=%d", f.Type)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, frameErrorf(KindPayloadTooLarge, "%d bytes (max %d)", len(f.Payload), MaxPayloadSize)
	}

	size := HeaderSize + len(f.Payload)
	if f.Reliable {
		size += CRCSize
	}

	out := make([]byte, HeaderSize, size)
	out[0] = f.Seq | f.Ack<<ackPos
	if f.Reliable {
		out[0] |= 1<<crcPresentPos | 1<<reliablePos
	}
	out[1] = uint8(f.Type) | uint8(len(f.Payload)&lenLowMask)<<lenLowPos
	out[2] = uint8(len(f.Payload) >> lenLowPos)
	out[3] = headerChecksum(out[0], out[1], out[2])
	out = append(out, f.Payload...)

	if f.Reliable {
		crc := CalculateCRC(out)
		out = append(out, byte(crc), byte(crc>>8))
	}

	return out, nil
}

// Decode parses an unescaped frame. Checks run in wire order: minimum
// length, header checksum, declared size, then CRC.
// The returned payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, frameErrorf(KindInvalidLength, "%d bytes", len(data))
	}

	if sum := headerChecksum(data[0], data[1], data[2]); sum != data[3] {
		return Frame{}, frameErrorf(KindInvalidData, "got 0x%02X want 0x%02X", data[3], sum)
	}

	crcPresent := data[0]&(1<<crcPresentPos) != 0
	payloadLen := int(data[1]>>lenLowPos) | int(data[2])<<lenLowPos

	expected := HeaderSize + payloadLen
	if crcPresent {
		expected += CRCSize
	}
	if len(data) != expected {
		return Frame{}, frameErrorf(KindSizeMismatch, "got %d bytes, header declares %d", len(data), expected)
	}

	if crcPresent {
		body := data[:HeaderSize+payloadLen]
		got := uint16(data[len(data)-2]) | uint16(data[len(data)-1])<<8
		if want := CalculateCRC(body); got != want {
			return Frame{}, frameErrorf(KindCRCMismatch, "got 0x%04X want 0x%04X", got, want)
		}
	}

	return Frame{
		Seq:      data[0] & seqMask,
		Ack:      (data[0] >> ackPos) & seqMask,
		Reliable: data[0]&(1<<reliablePos) != 0,
		Type:     PacketType(data[1] & typeMask),
		Payload:  data[HeaderSize : HeaderSize+payloadLen],
	}, nil
}

// headerChecksum makes the four header bytes sum to zero modulo 256
func headerChecksum(b0, b1, b2 byte) byte {
	return -(b0 + b1 + b2)
}
