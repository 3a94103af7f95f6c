// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "errors"

var (
	// ErrAlreadyInFlight is returned by SendReliable while another reliable
	// frame is unacknowledged.
	ErrAlreadyInFlight = errors.New("link: reliable frame already in flight")
	// ErrMaxRetries fails a send whose retransmission budget ran out.
	ErrMaxRetries = errors.New("link: no acknowledgement after max retries")
	// ErrLinkReset fails a send interrupted by link resynchronization.
	ErrLinkReset = errors.New("link: link reset")
	// ErrNotActive is returned when sending before the link is active.
	ErrNotActive = errors.New("link: not active")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("link: closed")
	// ErrIO wraps the write or read failure that took the link down.
	ErrIO = errors.New("link: i/o failure")
)
