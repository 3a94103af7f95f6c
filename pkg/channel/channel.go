// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package channel provides the byte transports the link runs over: a UART
// via go.bug.st/serial, or a WebSocket bridge to a remote UART.
package channel

import "errors"

// Channel is a raw byte pipe to the target.
//
// Open starts delivery: onData is called from a single goroutine with each
// chunk read, and onError once if reading fails. Write sends a complete
// frame. Close stops delivery; onError is not called for reads interrupted
// by Close.
type Channel interface {
	Open(onData func([]byte), onError func(error)) error
	Write(p []byte) error
	Close() error
}

var (
	// ErrNotOpen is returned by Write before Open or after Close.
	ErrNotOpen = errors.New("channel: not open")
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("channel: already open")
)
