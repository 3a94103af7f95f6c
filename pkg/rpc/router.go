// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package rpc matches synchronous command/response calls over the reliable
// link and forwards unsolicited events.
//
// One call is outstanding at a time. Callers queue on Call until the
// previous call finishes, which keeps the link's single in-flight slot
// free for them.
package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/h5host/pkg/link"
)

// Sender transmits a reliable payload; the channel reports acknowledgement.
// InFlight reports whether the last payload is still unacknowledged.
//
// The router calls Sender with its own lock held, so a Sender must not call
// back into the router before returning.
type Sender interface {
	SendReliable(payload []byte) (<-chan error, error)
	InFlight() bool
}

// Handlers receive router events. Any of them may be nil.
type Handlers struct {
	// Event receives the data of every event packet.
	Event func(data []byte)
	// Status receives protocol anomalies (unexpected or undecodable
	// packets).
	Status func(code link.Status, message string)
}

type pendingCall struct {
	opcode uint8
	result chan []byte
	abort  chan error
}

// Router is the request/response matcher
type Router struct {
	sender Sender
	h      Handlers
	log    *zap.Logger

	sem       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	pending  *pendingCall
	lastSend <-chan error
}

// NewRouter creates a router sending through s
func NewRouter(s Sender, h Handlers, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		sender: s,
		h:      h,
		log:    log,
		sem:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Call sends a command and waits up to timeout for the response with the
// same opcode. It returns the response bytes following the opcode.
//
// Concurrent callers wait their turn. Failures are *CommandError values
// wrapping ErrNoResponse, ErrClosed, the context error, or the link error
// that ended the send.
func (r *Router) Call(ctx context.Context, opcode uint8, cmd []byte, timeout time.Duration) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, &CommandError{Opcode: opcode, Err: err}
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-r.closed:
		return fail(ErrClosed)
	}
	defer func() { <-r.sem }()

	select {
	case <-r.closed:
		return fail(ErrClosed)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A timed out call may leave its frame in flight; let it finish first
	if err := r.awaitPreviousSend(ctx, timer.C); err != nil {
		return fail(err)
	}

	call := &pendingCall{
		opcode: opcode,
		result: make(chan []byte, 1),
		abort:  make(chan error, 1),
	}
	// Registered together with the send so no response is handled in between
	r.mu.Lock()
	sent, err := r.sender.SendReliable(NewCommand(opcode, cmd).Encode())
	if err == nil {
		r.pending = call
	}
	r.mu.Unlock()
	if err != nil {
		return fail(err)
	}
	defer r.clearPending(call)
	r.log.Debug("command sent", zap.Uint8("opcode", opcode), zap.Int("len", len(cmd)))

	for {
		select {
		case data := <-call.result:
			r.keepSend(sent)
			return data, nil
		case err := <-sent:
			sent = nil
			if err != nil {
				select {
				case <-r.closed:
					err = ErrClosed
				default:
				}
				return fail(err)
			}
		case err := <-call.abort:
			r.keepSend(sent)
			return fail(err)
		case <-timer.C:
			r.keepSend(sent)
			r.log.Warn("no response", zap.Uint8("opcode", opcode), zap.Duration("timeout", timeout))
			return fail(ErrNoResponse)
		case <-ctx.Done():
			r.keepSend(sent)
			return fail(ctx.Err())
		case <-r.closed:
			return fail(ErrClosed)
		}
	}
}

// HandlePacket routes one inbound VENDOR_SPECIFIC payload
func (r *Router) HandlePacket(payload []byte) {
	p, err := Parse(payload)
	if err != nil {
		r.log.Warn("undecodable packet", zap.Error(err), zap.Binary("payload", payload))
		code := link.StatusDecodeError
		if errors.Is(err, ErrUnknownKind) {
			code = link.StatusUnexpected
		}
		r.status(code, err.Error())
		return
	}

	switch p.Kind {
	case KindResponse:
		r.mu.Lock()
		call := r.pending
		var reason string
		switch {
		case call == nil || call.opcode != p.Opcode:
			reason = "no matching call"
		case r.sender.InFlight():
			// The reply to a command arrives after the frame acknowledging
			// it, so this one answers an earlier call that timed out.
			reason = "command not yet acknowledged"
		default:
			r.pending = nil
			call.result <- p.Data
		}
		r.mu.Unlock()

		if reason != "" {
			r.log.Warn("discarding late response", zap.Uint8("opcode", p.Opcode), zap.String("reason", reason))
		}

	case KindEvent:
		if h := r.h.Event; h != nil {
			h(p.Data)
		}

	default:
		r.log.Warn("unexpected packet from target", zap.Stringer("packet", p))
		r.status(link.StatusUnexpected, "unexpected "+p.String())
	}
}

// Abort fails the outstanding call, if any, with err
func (r *Router) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if call := r.pending; call != nil {
		r.pending = nil
		call.abort <- err
	}
}

// Busy reports whether a call is outstanding
func (r *Router) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// Close fails the outstanding call and every waiting caller with ErrClosed
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}

func (r *Router) awaitPreviousSend(ctx context.Context, timeout <-chan time.Time) error {
	r.mu.Lock()
	prev := r.lastSend
	r.mu.Unlock()
	if prev == nil {
		return nil
	}

	select {
	case <-prev:
		r.mu.Lock()
		r.lastSend = nil
		r.mu.Unlock()
		return nil
	case <-timeout:
		return ErrNoResponse
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return ErrClosed
	}
}

// keepSend remembers a send whose completion was not observed
func (r *Router) keepSend(sent <-chan error) {
	if sent == nil {
		return
	}
	r.mu.Lock()
	r.lastSend = sent
	r.mu.Unlock()
}

func (r *Router) clearPending(call *pendingCall) {
	r.mu.Lock()
	if r.pending == call {
		r.pending = nil
	}
	r.mu.Unlock()
}

func (r *Router) status(code link.Status, message string) {
	if h := r.h.Status; h != nil {
		h(code, message)
	}
}
