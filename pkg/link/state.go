// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "fmt"

// State is the link establishment state
type State int

const (
	StateUninitialized State = iota
	StateInitializingSync
	StateInitializingConfig
	StateActive
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializingSync:
		return "INITIALIZING_SYNC"
	case StateInitializingConfig:
		return "INITIALIZING_CONFIG"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// SequenceCounters are the modulo 8 sequence numbers of one link
type SequenceCounters struct {
	NextOutgoingSeq     uint8 // seq of the next (or in-flight) reliable frame
	LastAckReceived     uint8 // ack field of the most recent inbound frame
	ExpectedIncomingSeq uint8 // seq expected on the next inbound reliable frame
}

func (c SequenceCounters) String() string {
	return fmt.Sprintf("next=%d lastAck=%d expected=%d",
		c.NextOutgoingSeq, c.LastAckReceived, c.ExpectedIncomingSeq)
}
