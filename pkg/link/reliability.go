// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/h5host/pkg/h5"
)

// SendReliable transmits payload as a reliable VENDOR_SPECIFIC frame. The
// returned channel yields nil once the peer acknowledges the frame, or the
// error that ended the attempt (ErrMaxRetries, ErrLinkReset, ErrClosed,
// ErrIO).
//
// Only one reliable frame may be in flight; a second call fails with
// ErrAlreadyInFlight until the first completes.
func (l *Link) SendReliable(payload []byte) (<-chan error, error) {
	l.mu.Lock()
	defer l.unlock()

	if err := l.usable(); err != nil {
		return nil, err
	}
	if l.state != StateActive {
		return nil, ErrNotActive
	}
	if l.slot != nil {
		return nil, ErrAlreadyInFlight
	}

	now := l.now()
	seq := l.counters.NextOutgoingSeq
	wire, err := l.sendFrame(h5.Frame{
		Seq:      seq,
		Ack:      l.counters.ExpectedIncomingSeq,
		Reliable: true,
		Type:     h5.TypeVendorSpecific,
		Payload:  payload,
	})
	if err != nil {
		return nil, err
	}
	// The frame's ack field acknowledges everything received so far
	l.ackDue = time.Time{}
	l.stats.ReliableSent++

	done := make(chan error, 1)
	l.slot = &slot{
		seq:    seq,
		wire:   wire,
		sentAt: now,
		due:    now.Add(l.cfg.RetransmissionInterval),
		done:   done,
	}
	l.kickTimer()

	return done, nil
}

// InFlight reports whether a reliable frame awaits acknowledgement
func (l *Link) InFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot != nil
}

func (l *Link) tickRetransmit(now time.Time) {
	s := l.slot
	if s == nil || now.Before(s.due) {
		return
	}

	if s.retries >= l.cfg.MaxRetries {
		l.stats.SendFailures++
		l.failSlot(ErrMaxRetries)
		l.report(StatusMaxRetriesReached,
			fmt.Sprintf("No response from device. Tried to send packet %d times.", s.retries+1))
		return
	}

	s.retries++
	s.due = now.Add(l.cfg.RetransmissionInterval)
	l.stats.Retransmissions++
	l.stats.FramesSent++
	l.queue.push(s.wire)
	l.log.Debug("retransmitting", zap.Uint8("seq", s.seq), zap.Int("retry", s.retries))
}

func (l *Link) tickAck(now time.Time) {
	if !l.ackDue.IsZero() && !now.Before(l.ackDue) {
		l.sendAck()
	}
}

// handleAck processes the ack field of an inbound frame. Only standalone
// ACK packets with an ack that fits neither the in-flight frame nor the
// last acknowledged one count as desynchronization.
func (l *Link) handleAck(ack uint8, standalone bool, now time.Time) {
	l.counters.LastAckReceived = ack

	if s := l.slot; s != nil {
		switch ack {
		case h5.NextSeq(s.seq):
			l.counters.NextOutgoingSeq = h5.NextSeq(s.seq)
			l.slot = nil
			s.done <- nil
			l.log.Debug("frame acknowledged", zap.Uint8("seq", s.seq),
				zap.Duration("rtt", now.Sub(s.sentAt)), zap.Int("retries", s.retries))
			return
		case s.seq:
			// Acknowledges an earlier frame
			return
		}
	} else if ack == l.counters.NextOutgoingSeq {
		return
	}

	if standalone && l.state == StateActive {
		l.reset(fmt.Sprintf("unexpected ack %d (next seq %d)", ack, l.counters.NextOutgoingSeq), now)
		return
	}
	l.log.Debug("ignoring ack", zap.Uint8("ack", ack), zap.Stringer("state", l.state))
}

func (l *Link) handleVendor(f h5.Frame, now time.Time) {
	if l.state != StateActive {
		l.stats.Dropped++
		l.log.Debug("dropping vendor frame before link is active", zap.Stringer("state", l.state))
		return
	}

	if !f.Reliable {
		l.deliver(f.Payload)
		return
	}

	l.handleAck(f.Ack, false, now)

	expected := l.counters.ExpectedIncomingSeq
	switch f.Seq {
	case expected:
		l.counters.ExpectedIncomingSeq = h5.NextSeq(expected)
		l.deliver(f.Payload)
		l.scheduleAck(now)
	case h5.PrevSeq(expected):
		// Our ACK was lost and the peer retransmitted
		l.stats.Duplicates++
		l.log.Debug("duplicate frame", zap.Uint8("seq", f.Seq))
		l.sendAck()
	default:
		l.reset(fmt.Sprintf("unexpected seq %d (expected %d)", f.Seq, expected), now)
	}
}

func (l *Link) scheduleAck(now time.Time) {
	if l.cfg.AckDelay == 0 {
		l.sendAck()
		return
	}
	if l.ackDue.IsZero() {
		l.ackDue = now.Add(l.cfg.AckDelay)
		l.kickTimer()
	}
}

func (l *Link) sendAck() {
	l.ackDue = time.Time{}
	if _, err := l.sendFrame(h5.Frame{Ack: l.counters.ExpectedIncomingSeq, Type: h5.TypeAck}); err == nil {
		l.stats.AcksSent++
	}
}

// failSlot clears the in-flight frame and fails its sender
func (l *Link) failSlot(err error) {
	if s := l.slot; s != nil {
		l.slot = nil
		s.done <- err
	}
}
