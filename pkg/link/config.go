// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"time"

	"github.com/Thermoquad/h5host/pkg/h5"
)

// Config holds link timing and tolerance settings. It is fixed once the
// link is created.
type Config struct {
	// RetransmissionInterval is the wait between transmissions of an
	// unacknowledged reliable frame, and between SYNC/CONFIG attempts.
	RetransmissionInterval time.Duration
	// MaxRetries is the number of retransmissions after the first send.
	MaxRetries int
	// AckDelay holds back standalone ACKs so they can ride on outgoing
	// reliable frames. Zero acknowledges immediately.
	AckDelay time.Duration
	// ErrorTolerance is the number of consecutive framing errors accepted
	// while active before the link is resynchronized. Zero disables.
	ErrorTolerance int
	// ResetOnOpen sends a RESET packet before link establishment and
	// waits ResetWait for the target to reboot.
	ResetOnOpen bool
	ResetWait   time.Duration
	// MaxFrameSize bounds an unescaped inbound frame.
	MaxFrameSize int
	// ConfigField is advertised in CONFIG and expected in CONFIG_RESP.
	ConfigField byte
}

// DefaultConfig returns the settings used by the connectivity firmware
func DefaultConfig() Config {
	return Config{
		RetransmissionInterval: 250 * time.Millisecond,
		MaxRetries:             5,
		AckDelay:               0,
		ErrorTolerance:         5,
		ResetOnOpen:            false,
		ResetWait:              300 * time.Millisecond,
		MaxFrameSize:           h5.MaxFrameSize,
		ConfigField:            h5.DefaultConfigField,
	}
}

// Validate checks the configuration for values the link cannot run with
func (c Config) Validate() error {
	if c.RetransmissionInterval <= 0 {
		return fmt.Errorf("link: retransmission interval must be positive, got %s", c.RetransmissionInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("link: max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.AckDelay < 0 {
		return fmt.Errorf("link: ack delay must not be negative, got %s", c.AckDelay)
	}
	if c.AckDelay >= c.RetransmissionInterval {
		return fmt.Errorf("link: ack delay %s must be shorter than the retransmission interval %s",
			c.AckDelay, c.RetransmissionInterval)
	}
	if c.ErrorTolerance < 0 {
		return fmt.Errorf("link: error tolerance must not be negative, got %d", c.ErrorTolerance)
	}
	if c.ResetOnOpen && c.ResetWait < 0 {
		return fmt.Errorf("link: reset wait must not be negative, got %s", c.ResetWait)
	}
	if c.MaxFrameSize < h5.HeaderSize || c.MaxFrameSize > h5.MaxFrameSize {
		return fmt.Errorf("link: max frame size must be within %d..%d, got %d",
			h5.HeaderSize, h5.MaxFrameSize, c.MaxFrameSize)
	}
	return nil
}
