// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse indicates the call timed out without a matching
	// response.
	ErrNoResponse = errors.New("rpc: no response")
	// ErrClosed indicates the router was closed.
	ErrClosed = errors.New("rpc: closed")
	// ErrEmptyPacket is returned for a zero length payload.
	ErrEmptyPacket = errors.New("rpc: empty packet")
	// ErrShortPacket is returned for a command or response without opcode.
	ErrShortPacket = errors.New("rpc: short packet")
	// ErrUnknownKind is returned for an unrecognized packet kind byte.
	ErrUnknownKind = errors.New("rpc: unknown packet kind")
)

// CommandError reports which call failed and why.
type CommandError struct {
	Opcode uint8
	Err    error
}

// Error implements error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("rpc: opcode 0x%02X: %v", e.Opcode, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CommandError) Unwrap() error {
	return e.Err
}
