// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/Thermoquad/h5host/pkg/adapter"
	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/link"
)

var (
	callOpcode  string
	callData    string
	callCount   int
	callTimeout time.Duration
	callDelay   time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Send commands and wait for their responses",
	Long: `Establish the link, send a command --count times and print each response.

The command is the opcode followed by the --data bytes. A call succeeds when
a response with the same opcode arrives within --timeout (default
--response-timeout).

Exit codes:
  0 - All calls answered
  1 - One or more calls failed/timed out
  2 - Connection error`,
	Example: `  h5host call --port /dev/ttyUSB0 --opcode 0x01 --data "AA 55"`,
	RunE:    runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVar(&callOpcode, "opcode", "", "Command opcode (0-255, decimal or 0x hex)")
	callCmd.Flags().StringVar(&callData, "data", "", "Command bytes in hex")
	callCmd.Flags().IntVar(&callCount, "count", 1, "Number of calls to send")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Timeout for each call (default --response-timeout)")
	callCmd.Flags().DurationVar(&callDelay, "interval", 100*time.Millisecond, "Delay between calls")
	callCmd.MarkFlagRequired("opcode")
}

// parseOpcode accepts decimal, 0x hex, 0o octal or 0b binary
func parseOpcode(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid opcode %q: must be 0-255", s)
	}
	return uint8(v), nil
}

// parseHex decodes hex bytes, ignoring spaces, colons and a 0x prefix
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "", "\n", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	if callCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	opcode, err := parseOpcode(callOpcode)
	if err != nil {
		return err
	}
	data, err := parseHex(callData)
	if err != nil {
		return err
	}

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

	fmt.Printf("h5host - Call\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Command: opcode=0x%02X data=%s\n", opcode, h5.FormatHex(data))
	fmt.Printf("Count: %d calls\n\n", callCount)

	err = a.Open(ctx, adapter.Callbacks{
		Status: func(code link.Status, message string) {
			if code != link.StatusConnectionActive {
				fmt.Fprintf(os.Stderr, "  [%s] %s\n", code, message)
			}
		},
		Event: func(data []byte) {
			fmt.Printf("  EVENT %s\n", h5.FormatHex(data))
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		atexit.Exit(2)
	}

	successCount := 0
	failCount := 0
	var totalRTT time.Duration

	for i := 1; i <= callCount; i++ {
		fmt.Printf("Call %d/%d: ", i, callCount)

		start := time.Now()
		result, err := a.Call(ctx, opcode, data, callTimeout)
		rtt := time.Since(start)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("response %s, rtt=%v\n", h5.FormatHex(result), rtt.Round(time.Millisecond))
			totalRTT += rtt
			successCount++
		}

		// Small delay between calls
		if i < callCount {
			time.Sleep(callDelay)
		}
	}

	fmt.Printf("\n--- Call statistics ---\n")
	fmt.Printf("%d calls sent, %d responses received, %.0f%% failed",
		callCount, successCount, float64(failCount)/float64(callCount)*100)
	if successCount > 0 {
		fmt.Printf(", avg rtt=%v", (totalRTT / time.Duration(successCount)).Round(time.Millisecond))
	}
	fmt.Println()
	if verbose {
		stats := a.Stats()
		fmt.Printf("\n%s", stats.Summary(time.Now()))
	}

	a.Close()
	if failCount > 0 {
		atexit.Exit(1)
	}
	return nil
}
