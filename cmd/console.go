// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/h5host/pkg/adapter"
	"github.com/Thermoquad/h5host/pkg/channel"
	"github.com/Thermoquad/h5host/pkg/link"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for sending commands",
	Long: `Send commands to the target from an interactive terminal UI.

Type an opcode followed by the command bytes in hex and press Enter:

  0x01 AA 55
  7

Responses, events and link status changes are shown in the log. When the
connection is lost the console closes the link and reconnects with
exponential backoff.

Supports both serial and WebSocket connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// connectionManager handles the adapter lifecycle and reconnection
type connectionManager struct {
	mu       sync.RWMutex
	adapter  *adapter.Adapter
	connInfo string

	first chan channel.Channel // channel opened up front, used by the first attempt
	p     *tea.Program
	lost  chan struct{}
	done  chan struct{}
}

func (cm *connectionManager) getAdapter() *adapter.Adapter {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.adapter
}

func (cm *connectionManager) setAdapter(a *adapter.Adapter, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.adapter = a
	cm.connInfo = connInfo
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Fail fast on a bad --port or --url
	ch, connInfo, err := OpenChannel(ctx)
	if err != nil {
		return err
	}

	cm := &connectionManager{
		connInfo: connInfo,
		first:    make(chan channel.Channel, 1),
		lost:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	cm.first <- ch

	m := initialConsoleModel(cm, connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen())
	cm.p = p

	runCtx, cancel := context.WithCancel(ctx)
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		cm.run(runCtx)
	}()

	_, err = p.Run()
	close(cm.done)
	cancel()
	<-managerDone

	if a := cm.getAdapter(); a != nil {
		a.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// run keeps an adapter open until the TUI exits
func (cm *connectionManager) run(ctx context.Context) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		err := cm.connect(ctx)
		select {
		case <-cm.done:
			return
		default:
		}

		if err != nil {
			cm.p.Send(openedMsg{err: err})
			select {
			case <-cm.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = 1 * time.Second
		cm.p.Send(reconnectedMsg{connInfo: cm.connInfo, session: cm.getAdapter().SessionID()})

		select {
		case <-cm.done:
			return
		case <-cm.lost:
		}

		cm.p.Send(connectionLostMsg{})
		if a := cm.getAdapter(); a != nil {
			a.Close()
		}
		cm.setAdapter(nil, cm.connInfo)
	}
}

// connect opens a channel and an adapter on it
func (cm *connectionManager) connect(ctx context.Context) error {
	var ch channel.Channel
	connInfo := cm.connInfo
	select {
	case ch = <-cm.first:
	default:
		var err error
		ch, connInfo, err = OpenChannel(ctx)
		if err != nil {
			return err
		}
	}

	a, err := NewAdapter(ch)
	if err != nil {
		ch.Close()
		return err
	}

	err = a.Open(ctx, adapter.Callbacks{
		Status: func(code link.Status, message string) {
			cm.p.Send(statusMsg{code: code, message: message})
			if code == link.StatusIOResourcesUnavailable {
				select {
				case cm.lost <- struct{}{}:
				default:
				}
			}
		},
		State: func(s link.State) {
			cm.p.Send(stateMsg(s))
		},
		Event: func(data []byte) {
			cm.p.Send(eventMsg(data))
		},
	})
	if err != nil {
		ch.Close()
		if !errors.Is(err, context.Canceled) {
			logger.Debug("console connect failed", zap.Error(err))
		}
		return err
	}

	// A loss reported by a previous session is stale
	select {
	case <-cm.lost:
	default:
	}
	cm.setAdapter(a, connInfo)
	return nil
}

// callCmdFor issues one call off the UI goroutine
func (cm *connectionManager) callCmdFor(opcode uint8, data []byte) tea.Cmd {
	return func() tea.Msg {
		a := cm.getAdapter()
		if a == nil {
			return callResultMsg{opcode: opcode, request: data, err: adapter.ErrNotOpen}
		}
		start := time.Now()
		resp, err := a.Call(context.Background(), opcode, data, 0)
		return callResultMsg{
			opcode:   opcode,
			request:  data,
			response: resp,
			err:      err,
			rtt:      time.Since(start),
		}
	}
}
