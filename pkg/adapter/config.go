// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"fmt"
	"time"

	"github.com/Thermoquad/h5host/pkg/link"
)

// Config is fixed for the lifetime of an open adapter
type Config struct {
	link.Config

	// ResponseTimeout is used by Call when no timeout is given.
	ResponseTimeout time.Duration
	// OpenTimeout bounds link establishment in Open.
	OpenTimeout time.Duration
}

// DefaultConfig returns the default adapter configuration
func DefaultConfig() Config {
	return Config{
		Config:          link.DefaultConfig(),
		ResponseTimeout: 1500 * time.Millisecond,
		OpenTimeout:     2000 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("adapter: response timeout must be positive, got %v", c.ResponseTimeout)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("adapter: open timeout must be positive, got %v", c.OpenTimeout)
	}
	return nil
}
