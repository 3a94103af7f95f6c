// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/Thermoquad/h5host/pkg/adapter"
	"github.com/Thermoquad/h5host/pkg/link"
)

var (
	linkHold time.Duration
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Test connection by establishing the H5 link",
	Long: `Run the SYNC / CONFIG handshake and report whether the link became active.

The handshake is retried until --open-timeout expires. With --hold the link
is kept open for the given time and statistics are printed before closing.

Exit codes:
  0 - Link active
  1 - Timeout reached without an active link
  2 - Connection error`,
	RunE: runLink,
}

func init() {
	rootCmd.AddCommand(linkCmd)
	linkCmd.Flags().DurationVar(&linkHold, "hold", 0, "Keep the link open for this long after it is active")
}

func runLink(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ch, connInfo, err := OpenChannel(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		atexit.Exit(2)
	}

	a, err := NewAdapter(ch)
	if err != nil {
		ch.Close()
		return err
	}

	fmt.Printf("h5host - Link Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %v\n", a.Config().OpenTimeout)
	fmt.Printf("Waiting for link...\n\n")

	start := time.Now()
	err = a.Open(ctx, adapter.Callbacks{
		Status: func(code link.Status, message string) {
			fmt.Printf("[%s] %s: %s\n", time.Now().Format("15:04:05.000"), code, message)
		},
	})
	switch {
	case errors.Is(err, adapter.ErrOpenTimeout):
		fmt.Fprintf(os.Stderr, "TIMEOUT: Link not active within %v\n", a.Config().OpenTimeout)
		atexit.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		atexit.Exit(2)
	}

	fmt.Printf("SUCCESS: Link active after %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Session: %s\n", a.SessionID())
	fmt.Printf("  Counters: %s\n", a.Counters())

	if linkHold > 0 {
		time.Sleep(linkHold)
	}
	stats := a.Stats()
	fmt.Printf("\n%s", stats.Summary(time.Now()))

	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Close error: %v\n", err)
	}
	atexit.Exit(0)
	return nil
}
