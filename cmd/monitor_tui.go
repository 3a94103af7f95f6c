// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/h5host/pkg/adapter"
	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/link"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for information
}

// Shared styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// TUI model
type monitorModel struct {
	adapter       *adapter.Adapter
	connInfo      string
	showFrames    bool
	stats         link.Statistics
	counters      link.SequenceCounters
	state         link.State
	opened        bool
	openErr       error
	events        uint64
	lastEvent     []byte
	log           []logEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type statusMsg struct {
	code    link.Status
	message string
}
type stateMsg link.State
type eventMsg []byte
type frameMsg string
type openedMsg struct {
	err error
}

func initialMonitorModel(a *adapter.Adapter, connInfo string, showFrames bool) monitorModel {
	return monitorModel{
		adapter:       a,
		connInfo:      connInfo,
		showFrames:    showFrames,
		log:           make([]logEntry, 0),
		maxLogEntries: 200,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.log = m.log[:0]
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		if m.adapter.IsOpen() {
			m.stats = m.adapter.Stats()
			m.counters = m.adapter.Counters()
		}
		return m, tickCmd()

	case openedMsg:
		m.opened = msg.err == nil
		m.openErr = msg.err
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Open failed: %v", msg.err), true)
		} else {
			m.addLogEntry("Session "+m.adapter.SessionID(), false)
		}

	case statusMsg:
		switch msg.code {
		case link.StatusConnectionActive, link.StatusResetPerformed:
			m.addLogEntry(fmt.Sprintf("%s: %s", msg.code, msg.message), false)
		default:
			m.addLogEntry(fmt.Sprintf("%s: %s", msg.code, msg.message), true)
		}

	case stateMsg:
		m.state = link.State(msg)
		m.addLogEntry("Link "+m.state.String(), false)

	case eventMsg:
		m.events++
		m.lastEvent = msg
		m.addLogEntry(fmt.Sprintf("EVENT %s", h5.FormatHex(msg)), false)

	case frameMsg:
		m.addLogEntry(string(msg), false)
	}

	return m, nil
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.log = append(m.log, entry)

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("H5HOST - LINK MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Frames: %s | q=quit c=clear",
		m.connInfo, func() string {
			if m.showFrames {
				return "shown"
			}
			return "hidden"
		}())))
	s.WriteString("\n\n")

	// Link state
	switch {
	case m.openErr != nil:
		s.WriteString(errorStyle.Render("✗ " + m.openErr.Error()))
	case m.state == link.StateActive:
		s.WriteString(statsValueStyle.Render("✓ Active"))
		s.WriteString(headerStyle.Render(fmt.Sprintf(" (%s)", m.counters)))
	default:
		s.WriteString(warningStyle.Render("⏳ " + m.state.String() + "..."))
	}
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	framing := st.FramingErrors()
	var errorPercent float64
	if total := st.FramesReceived + framing; total > 0 {
		errorPercent = float64(framing) * 100.0 / float64(total)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Sent:"), statsValueStyle.Render(fmt.Sprintf("%d", st.FramesSent)),
		statsLabelStyle.Render("Received:"), statsValueStyle.Render(fmt.Sprintf("%d", st.FramesReceived)),
		statsLabelStyle.Render("Events:"), statsValueStyle.Render(fmt.Sprintf("%d", m.events)),
	))

	if st.Retransmissions > 0 || st.SendFailures > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Retransmissions:"), warningStyle.Render(fmt.Sprintf("%d", st.Retransmissions)),
			statsLabelStyle.Render("Send Failures:"), errorStyle.Render(fmt.Sprintf("%d", st.SendFailures)),
		))
	}

	if framing > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Framing Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", framing, errorPercent)),
			headerStyle.Render("escape"), st.SlipErrors,
			headerStyle.Render("oversize"), st.OversizeErrors,
			headerStyle.Render("length"), st.LengthErrors,
			headerStyle.Render("checksum"), st.ChecksumErrors,
			headerStyle.Render("crc"), st.CRCErrors,
		))
	}

	if st.Duplicates > 0 || st.Resets > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Duplicates:"), warningStyle.Render(fmt.Sprintf("%d", st.Duplicates)),
			statsLabelStyle.Render("Resets:"), warningStyle.Render(fmt.Sprintf("%d", st.Resets)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Latest event
	if m.lastEvent != nil {
		s.WriteString(statsLabelStyle.Render("Latest Event:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(fmt.Sprintf("%s %s",
			statsLabelStyle.Render(fmt.Sprintf("%d bytes:", len(m.lastEvent))),
			statsValueStyle.Render(h5.FormatHex(m.lastEvent)),
		)))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(renderLog(m.log, m.height-16, m.width))

	return s.String()
}

// renderLog renders the last height entries in a box
func renderLog(entries []logEntry, height, width int) string {
	if height < 5 {
		height = 5
	}

	logContent := strings.Builder{}
	startIdx := len(entries) - height
	if startIdx < 0 {
		startIdx = 0
	}

	if len(entries) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(entries); i++ {
			entry := entries[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	return boxStyle.Width(width - 4).Render(logContent.String())
}
