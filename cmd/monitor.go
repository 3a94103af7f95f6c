// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap/zapcore"

	"github.com/Thermoquad/h5host/pkg/adapter"
	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/link"
)

var (
	statsInterval int
	useTUI        bool
	showFrames    bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Keep the link open and display events, status and statistics",
	Long: `Establish the link and display everything the target sends.

This command shows:
  - Unsolicited events from the target
  - Link status reports (retries exhausted, decode errors, resets)
  - Link state transitions
  - Statistics (frame rate, framing errors by kind, retransmissions)

With --frames every frame is shown as it is sent or received.

Periodic statistics summaries are displayed at a configurable interval in
text mode; the terminal UI keeps them on screen.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	monitorCmd.Flags().BoolVar(&showFrames, "frames", false, "Show every frame")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if statsInterval < 1 {
		return fmt.Errorf("--stats-interval must be at least 1")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, connInfo, err := OpenChannel(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		atexit.Exit(2)
	}

	level := frameLogLevel()
	if showFrames {
		level = zapcore.DebugLevel
	}
	a, err := NewAdapter(ch, adapter.WithLogLevel(level))
	if err != nil {
		ch.Close()
		return err
	}

	if useTUI {
		return runMonitorTUI(ctx, a, connInfo)
	}
	return runMonitorText(ctx, a, connInfo)
}

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}

// runMonitorText prints to stdout until interrupted or the link fails
func runMonitorText(ctx context.Context, a *adapter.Adapter, connInfo string) error {
	fmt.Printf("h5host - Link Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	failed := make(chan string, 1)
	err := a.Open(ctx, adapter.Callbacks{
		Status: func(code link.Status, message string) {
			switch code {
			case link.StatusConnectionActive, link.StatusResetPerformed:
				fmt.Printf("[%s] \033[1;32m%s:\033[0m %s\n", timestamp(), code, message)
			case link.StatusIOResourcesUnavailable:
				fmt.Printf("[%s] \033[1;31m%s:\033[0m %s\n", timestamp(), code, message)
				select {
				case failed <- message:
				default:
				}
			default:
				fmt.Printf("[%s] \033[1;33m%s:\033[0m %s\n", timestamp(), code, message)
			}
		},
		State: func(s link.State) {
			fmt.Printf("[%s] LINK %s\n", timestamp(), s)
		},
		Event: func(data []byte) {
			fmt.Printf("[%s] EVENT len=%d %s\n", timestamp(), len(data), h5.FormatHex(data))
		},
		Log: func(sev adapter.Severity, message string) {
			if showFrames && sev <= adapter.SeverityDebug {
				fmt.Printf("[%s] %s\n", timestamp(), message)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		atexit.Exit(2)
	}
	defer a.Close()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			stats := a.Stats()
			fmt.Printf("\n%s", stats.Summary(time.Now()))
			return nil

		case message := <-failed:
			fmt.Fprintf(os.Stderr, "Link lost: %s\n", message)
			a.Close()
			atexit.Exit(2)

		case <-statsTicker.C:
			stats := a.Stats()
			fmt.Println()
			fmt.Print(stats.Summary(time.Now()))
			fmt.Println()
		}
	}
}

// runMonitorTUI feeds adapter callbacks into the terminal UI
func runMonitorTUI(ctx context.Context, a *adapter.Adapter, connInfo string) error {
	m := initialMonitorModel(a, connInfo, showFrames)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()

	go func() {
		err := a.Open(openCtx, adapter.Callbacks{
			Status: func(code link.Status, message string) {
				p.Send(statusMsg{code: code, message: message})
			},
			State: func(s link.State) {
				p.Send(stateMsg(s))
			},
			Event: func(data []byte) {
				p.Send(eventMsg(data))
			},
			Log: func(sev adapter.Severity, message string) {
				if showFrames && sev <= adapter.SeverityDebug {
					p.Send(frameMsg(message))
				}
			},
		})
		p.Send(openedMsg{err: err})
	}()

	_, err := p.Run()
	cancelOpen()
	a.Close()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
