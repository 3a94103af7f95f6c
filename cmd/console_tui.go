// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/link"
)

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

type consoleModel struct {
	connMgr  *connectionManager
	connInfo string
	session  string

	input   textinput.Model
	pending int // calls issued and not yet answered

	state         link.State
	stats         link.Statistics
	calls         uint64
	failures      uint64
	lastRTT       time.Duration
	log           []logEntry
	maxLogEntries int

	width          int
	height         int
	connected      bool
	connectionLost bool
	quitting       bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type callResultMsg struct {
	opcode   uint8
	request  []byte
	response []byte
	err      error
	rtt      time.Duration
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
	session  string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(connMgr *connectionManager, connInfo string) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "0x01 AA 55"
	ti.Prompt = "> "
	ti.CharLimit = 3 * h5.MaxPayloadSize
	ti.Width = 60
	ti.Focus()

	return consoleModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		input:         ti,
		log:           make([]logEntry, 0),
		maxLogEntries: 200,
		width:         80,
		height:        24,
	}
}

// parseCommandLine splits "opcode [hex bytes...]"
func parseCommandLine(line string) (uint8, []byte, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, nil, fmt.Errorf("empty command")
	}
	opcode, err := parseOpcode(fields[0])
	if err != nil {
		return 0, nil, err
	}
	data, err := parseHex(strings.Join(fields[1:], ""))
	if err != nil {
		return 0, nil, err
	}
	return opcode, data, nil
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), textinput.Blink)
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "ctrl+l":
			m.log = m.log[:0]
			return m, nil
		case "enter":
			return m.handleEnter()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(msg.Width-8, 10)

	case tickMsg:
		if a := m.connMgr.getAdapter(); a != nil {
			m.stats = a.Stats()
		}
		return m, tickCmd()

	case openedMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connect failed: %v", msg.err), true)
		}

	case reconnectedMsg:
		m.connected = true
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.session = msg.session
		m.addLogEntry("Connected, session "+msg.session, false)

	case connectionLostMsg:
		m.connected = false
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case statusMsg:
		isError := msg.code != link.StatusConnectionActive && msg.code != link.StatusResetPerformed
		m.addLogEntry(fmt.Sprintf("%s: %s", msg.code, msg.message), isError)

	case stateMsg:
		m.state = link.State(msg)

	case eventMsg:
		m.addLogEntry(fmt.Sprintf("EVENT %s", h5.FormatHex(msg)), false)

	case callResultMsg:
		m.pending--
		m.calls++
		if msg.err != nil {
			m.failures++
			m.addLogEntry(msg.err.Error(), true)
		} else {
			m.lastRTT = msg.rtt
			m.addLogEntry(fmt.Sprintf("0x%02X <- %s (%s)", msg.opcode, h5.FormatHex(msg.response), msg.rtt.Round(time.Millisecond)), false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m consoleModel) handleEnter() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return m, nil
	}

	opcode, data, err := parseCommandLine(line)
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return m, nil
	}

	m.input.Reset()
	m.pending++
	m.addLogEntry(fmt.Sprintf("0x%02X -> %s", opcode, h5.FormatHex(data)), false)
	return m, m.connMgr.callCmdFor(opcode, data)
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// Rendering
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("H5HOST - CONSOLE"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Enter=send ctrl+l=clear esc=quit", m.connInfo)))
	s.WriteString("\n\n")

	switch {
	case m.connectionLost:
		s.WriteString(errorStyle.Render("✗ Connection lost - reconnecting..."))
	case m.connected && m.state == link.StateActive:
		s.WriteString(statsValueStyle.Render("✓ Active"))
		s.WriteString(headerStyle.Render(" session " + m.session))
	default:
		s.WriteString(warningStyle.Render("⏳ " + m.state.String() + "..."))
	}
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n\n")

	s.WriteString(statsLabelStyle.Render("LOG"))
	s.WriteString("\n")
	s.WriteString(renderLog(m.log, m.height-14, m.width))
	s.WriteString("\n")

	prompt := boxStyle.Width(m.width - 4)
	if m.pending > 0 {
		prompt = prompt.BorderForeground(lipgloss.Color("11"))
	}
	s.WriteString(prompt.Render(m.input.View()))

	return s.String()
}

func (m consoleModel) renderStatisticsBar() string {
	st := m.stats
	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Calls:"), statsValueStyle.Render(fmt.Sprintf("%d", m.calls)),
		statsLabelStyle.Render("Failed:"), func() string {
			if m.failures > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.failures))
			}
			return statsValueStyle.Render("0")
		}(),
		statsLabelStyle.Render("RTT:"), statsValueStyle.Render(m.lastRTT.Round(time.Millisecond).String()),
		statsLabelStyle.Render("Retx:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Retransmissions)),
		statsLabelStyle.Render("Errors:"), statsValueStyle.Render(fmt.Sprintf("%d", st.FramingErrors())),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}
