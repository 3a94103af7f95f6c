// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/h5host/pkg/h5"
)

// Link establishment:
//
//	UNINITIALIZED --Start--> INITIALIZING_SYNC      (SYNC every interval)
//	INITIALIZING_SYNC --SYNC_RESP--> INITIALIZING_CONFIG (CONFIG every interval)
//	INITIALIZING_CONFIG --CONFIG_RESP--> ACTIVE
//	ACTIVE --desync / peer restart / error streak--> UNINITIALIZED -> INITIALIZING_SYNC
//
// Handshake messages are retried until the peer answers; the caller bounds
// the wait (see WaitForState).

func (l *Link) beginSync(now time.Time) {
	l.setState(StateInitializingSync)
	l.sendControl(h5.ControlSync)
	l.syncDue = now.Add(l.cfg.RetransmissionInterval)
	l.kickTimer()
}

func (l *Link) tickHandshake(now time.Time) {
	if l.syncDue.IsZero() || now.Before(l.syncDue) {
		return
	}

	switch l.state {
	case StateUninitialized:
		// Reset wait elapsed
		l.beginSync(now)
	case StateInitializingSync:
		l.sendControl(h5.ControlSync)
		l.syncDue = now.Add(l.cfg.RetransmissionInterval)
	case StateInitializingConfig:
		l.sendControl(h5.ControlConfig)
		l.syncDue = now.Add(l.cfg.RetransmissionInterval)
	default:
		l.syncDue = time.Time{}
	}
}

func (l *Link) handleControl(f h5.Frame, now time.Time) {
	kind, config, hasConfig := h5.ParseControl(f.Payload)

	switch kind {
	case h5.ControlSync:
		// The peer (re)started link establishment
		if l.state == StateActive {
			l.reset("peer sent SYNC while active", now)
		}
		l.sendControl(h5.ControlSyncResponse)

	case h5.ControlSyncResponse:
		switch l.state {
		case StateUninitialized, StateInitializingSync:
			l.setState(StateInitializingConfig)
			l.sendControl(h5.ControlConfig)
			l.syncDue = now.Add(l.cfg.RetransmissionInterval)
			l.kickTimer()
		case StateActive:
			l.reset("unexpected SYNC_RESP while active", now)
		}

	case h5.ControlConfig:
		l.sendControl(h5.ControlConfigResponse)

	case h5.ControlConfigResponse:
		if l.state != StateInitializingConfig {
			l.log.Debug("ignoring CONFIG_RESP", zap.Stringer("state", l.state))
			return
		}
		if hasConfig && config != l.cfg.ConfigField {
			l.log.Warn("CONFIG_RESP with unexpected configuration",
				zap.String("got", h5.ParseConfigField(config).String()),
				zap.String("want", h5.ParseConfigField(l.cfg.ConfigField).String()))
			return
		}
		l.activate()

	default:
		if l.state == StateActive {
			l.reset("unexpected link control "+h5.FormatControl(f.Payload), now)
		}
	}
}

func (l *Link) activate() {
	l.counters = SequenceCounters{}
	l.syncDue = time.Time{}
	l.ackDue = time.Time{}
	l.errStreak = 0
	l.setState(StateActive)
	l.report(StatusConnectionActive, "Connection active")
}

// reset flushes the in-flight frame and restarts link establishment
func (l *Link) reset(reason string, now time.Time) {
	l.stats.Resets++
	l.log.Warn("resetting link", zap.String("reason", reason), zap.Stringer("state", l.state))

	l.failSlot(ErrLinkReset)
	l.ackDue = time.Time{}
	l.errStreak = 0
	l.report(StatusUnexpected, reason)
	l.setState(StateUninitialized)
	l.beginSync(now)
}

func (l *Link) sendControl(kind h5.ControlKind) {
	payload := h5.ControlPayload(kind, l.cfg.ConfigField)
	// Control payloads are a few bytes; encoding cannot fail
	_, _ = l.sendFrame(h5.Frame{Type: h5.TypeLinkControl, Payload: payload})
}
