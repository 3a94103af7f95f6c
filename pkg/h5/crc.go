// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package h5

// CalculateCRC computes the H5 CRC-16 over data.
// Seeded with 0xFFFF; equivalent to CRC-16/CCITT-FALSE.
func CalculateCRC(data []byte) uint16 {
	return UpdateCRC(crcInitial, data)
}

// UpdateCRC continues a running CRC-16 over data.
func UpdateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc>>8 | crc<<8
		crc ^= uint16(b)
		crc ^= (crc & 0xFF) >> 4
		crc ^= crc << 12
		crc ^= (crc & 0xFF) << 5
	}
	return crc
}
