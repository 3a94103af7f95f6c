// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/slip"
)

// Statistics tracks frame counts and error rates for one link
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Outbound
	FramesSent      uint64
	ReliableSent    uint64
	Retransmissions uint64
	AcksSent        uint64
	SendFailures    uint64

	// Inbound
	FramesReceived uint64
	Delivered      uint64
	Duplicates     uint64
	AcksReceived   uint64
	Dropped        uint64

	// Framing errors
	SlipErrors     uint64
	OversizeErrors uint64
	LengthErrors   uint64
	ChecksumErrors uint64
	CRCErrors      uint64

	Resets uint64

	// Rates (calculated)
	FrameRate float64 // inbound frames/sec
	ErrorRate float64 // framing errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics(now time.Time) *Statistics {
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// FramingErrors returns the total of all framing error counters
func (s *Statistics) FramingErrors() uint64 {
	return s.SlipErrors + s.OversizeErrors + s.LengthErrors + s.ChecksumErrors + s.CRCErrors
}

// RecordFrameError counts a discarded inbound frame by cause
func (s *Statistics) RecordFrameError(err error, now time.Time) {
	switch {
	case errors.Is(err, slip.ErrFrameTooLarge):
		s.OversizeErrors++
	case errors.Is(err, slip.ErrBadEscape):
		s.SlipErrors++
	case errors.Is(err, h5.ErrInvalidData):
		s.ChecksumErrors++
	case errors.Is(err, h5.ErrCRCMismatch):
		s.CRCErrors++
	default:
		// Short frames and declared size mismatches
		s.LengthErrors++
	}
	s.LastUpdateTime = now
}

// CalculateRates calculates frame and error rates as of now
func (s *Statistics) CalculateRates(now time.Time) {
	elapsed := now.Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesReceived) / elapsed
		s.ErrorRate = float64(s.FramingErrors()) / elapsed
	}
}

// Summary returns a formatted statistics summary as of now
func (s *Statistics) Summary(now time.Time) string {
	s.CalculateRates(now)

	var errorPercent float64
	if total := s.FramesReceived + s.FramingErrors(); total > 0 {
		errorPercent = float64(s.FramingErrors()) * 100.0 / float64(total)
	}

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", now.Sub(s.StartTime).Seconds())
	result += fmt.Sprintf("Frames Sent:     %8d (reliable %d, acks %d)\n", s.FramesSent, s.ReliableSent, s.AcksSent)
	if s.Retransmissions > 0 {
		result += fmt.Sprintf("Retransmissions: %8d\n", s.Retransmissions)
	}
	if s.SendFailures > 0 {
		result += fmt.Sprintf("Send Failures:   %8d\n", s.SendFailures)
	}
	result += fmt.Sprintf("Frames Received: %8d (delivered %d, acks %d)\n", s.FramesReceived, s.Delivered, s.AcksReceived)
	if s.Duplicates > 0 {
		result += fmt.Sprintf("Duplicates:      %8d\n", s.Duplicates)
	}
	if s.Dropped > 0 {
		result += fmt.Sprintf("Dropped:         %8d\n", s.Dropped)
	}
	if s.FramingErrors() > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors(), errorPercent)
		if s.SlipErrors > 0 {
			result += fmt.Sprintf("  Bad Escape:       %5d\n", s.SlipErrors)
		}
		if s.OversizeErrors > 0 {
			result += fmt.Sprintf("  Oversize:         %5d\n", s.OversizeErrors)
		}
		if s.LengthErrors > 0 {
			result += fmt.Sprintf("  Length:           %5d\n", s.LengthErrors)
		}
		if s.ChecksumErrors > 0 {
			result += fmt.Sprintf("  Header Checksum:  %5d\n", s.ChecksumErrors)
		}
		if s.CRCErrors > 0 {
			result += fmt.Sprintf("  CRC:              %5d\n", s.CRCErrors)
		}
	}
	if s.Resets > 0 {
		result += fmt.Sprintf("Link Resets:     %8d\n", s.Resets)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset(now time.Time) {
	*s = Statistics{StartTime: now, LastUpdateTime: now}
}
