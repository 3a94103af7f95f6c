// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// h5host - H5 (three-wire UART) host transport
//
// A CLI tool for establishing an H5 link to a target, sending commands
// and monitoring link health over serial or WebSocket.

package main

import (
	"github.com/tebeka/atexit"

	"github.com/Thermoquad/h5host/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
