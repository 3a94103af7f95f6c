// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link implements the H5 link layer: three-wire link establishment
// (SYNC / CONFIG handshake) and stop-and-wait reliable delivery of
// VENDOR_SPECIFIC frames over a SLIP framed byte stream.
//
// A Link is fed inbound bytes with Feed, driven in time by Tick (or by Run,
// which also owns the writer), and sends application payloads with
// SendReliable. All link state sits behind a single lock; handlers are
// always invoked after the lock is released.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/slip"
)

// Writer transmits one complete SLIP frame
type Writer interface {
	Write(p []byte) error
}

// Handlers receive link events. Any of them may be nil.
type Handlers struct {
	// Packet receives VENDOR_SPECIFIC payloads in sequence order.
	Packet func(payload []byte)
	// Status receives status codes with a human readable message.
	Status func(code Status, message string)
	// State is called on every state transition.
	State func(State)
	// Tap sees raw bytes: outbound SLIP frames and inbound read chunks.
	Tap func(outbound bool, data []byte)
}

// Option configures a Link
type Option func(*Link)

// WithLogger sets the logger. The link adds a session field.
func WithLogger(log *zap.Logger) Option {
	return func(l *Link) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock replaces time.Now, for deterministic tests
func WithClock(now func() time.Time) Option {
	return func(l *Link) {
		l.now = now
	}
}

type slot struct {
	seq     uint8
	wire    []byte
	sentAt  time.Time
	due     time.Time
	retries int
	done    chan error
}

// Link is one logical reliable channel to the target
type Link struct {
	cfg Config
	w   Writer
	h   Handlers
	log *zap.Logger
	id  xid.ID
	now func() time.Time

	queue *writeQueue
	kick  chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	state     State
	started   bool
	closed    bool
	fatal     error
	changed   chan struct{}
	decoder   *slip.Decoder
	counters  SequenceCounters
	slot      *slot
	ackDue    time.Time
	syncDue   time.Time
	errStreak int
	stats     *Statistics
	actions   []func()
}

// New creates a link writing to w. The link is idle until Start.
func New(w Writer, cfg Config, h Handlers, opts ...Option) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Link{
		cfg:     cfg,
		w:       w,
		h:       h,
		log:     zap.NewNop(),
		id:      xid.New(),
		now:     time.Now,
		queue:   newWriteQueue(),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   StateUninitialized,
		changed: make(chan struct{}),
		decoder: slip.NewDecoder(cfg.MaxFrameSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(zap.String("session", l.id.String()))
	l.stats = NewStatistics(l.now())

	return l, nil
}

// ID returns the session id attached to every log line of this link
func (l *Link) ID() string {
	return l.id.String()
}

// State returns the current link state
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Counters returns a snapshot of the sequence counters
func (l *Link) Counters() SequenceCounters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// Stats returns a snapshot of the link statistics
func (l *Link) Stats() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := *l.stats
	s.CalculateRates(l.now())
	return s
}

// Err returns the I/O failure that took the link down, if any
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatal
}

// Start begins link establishment. With ResetOnOpen a RESET packet is sent
// first and SYNC starts after ResetWait.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.unlock()

	if err := l.usable(); err != nil {
		return err
	}
	if l.started {
		return nil
	}
	l.started = true

	now := l.now()
	if l.cfg.ResetOnOpen {
		if _, err := l.sendFrame(h5.Frame{Type: h5.TypeReset}); err != nil {
			return err
		}
		l.report(StatusResetPerformed, "Target reset performed")
		l.syncDue = now.Add(l.cfg.ResetWait)
		l.kickTimer()
		return nil
	}

	l.beginSync(now)
	return nil
}

// Feed processes bytes read from the channel. It must be called from a
// single goroutine so that deliveries keep their order.
func (l *Link) Feed(data []byte) {
	if tap := l.h.Tap; tap != nil {
		tap(false, data)
	}

	l.mu.Lock()
	defer l.unlock()

	if l.closed || l.fatal != nil {
		return
	}
	l.decoder.Decode(data, l.handleFrame, l.handleFramingError)
}

// Tick runs every timer that is due at now: handshake retries,
// retransmission and delayed acknowledgement.
func (l *Link) Tick(now time.Time) {
	l.mu.Lock()
	defer l.unlock()

	if l.closed || l.fatal != nil {
		return
	}
	l.tickHandshake(now)
	l.tickRetransmit(now)
	l.tickAck(now)
}

// Fail takes the link down after an unrecoverable I/O error. Pending work
// fails with ErrIO; the link must be closed and recreated.
func (l *Link) Fail(err error) {
	l.mu.Lock()
	defer l.unlock()

	if l.closed || l.fatal != nil {
		return
	}
	l.fail(err)
}

// failWrite is Fail for a frame the writer could not send
func (l *Link) failWrite(err error) {
	l.mu.Lock()
	defer l.unlock()

	if l.closed || l.fatal != nil {
		return
	}
	l.stats.SendFailures++
	l.report(StatusSendError, "write failed: "+err.Error())
	l.fail(err)
}

func (l *Link) fail(err error) {
	l.fatal = err
	l.log.Error("link i/o failure", zap.Error(err))

	l.failSlot(fmt.Errorf("%w: %w", ErrIO, err))
	l.queue.clear()
	l.ackDue = time.Time{}
	l.syncDue = time.Time{}
	l.report(StatusIOResourcesUnavailable, err.Error())
	l.setState(StateUninitialized)
	l.broadcast()
	l.kickTimer()
}

// Close stops the link. A send in flight fails with ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.failSlot(ErrClosed)
	l.queue.clear()
	l.broadcast()
	close(l.done)
	l.log.Debug("link closed")
	return nil
}

// WaitForState blocks until the link reaches want, the link fails or
// closes, or ctx is done.
func (l *Link) WaitForState(ctx context.Context, want State) error {
	for {
		l.mu.Lock()
		state, closed, fatal, changed := l.state, l.closed, l.fatal, l.changed
		l.mu.Unlock()

		switch {
		case closed:
			return ErrClosed
		case fatal != nil:
			return fmt.Errorf("%w: %w", ErrIO, fatal)
		case state == want:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run drives the link timers and the writer until ctx is done, the link is
// closed, or a write fails.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- l.pump(ctx)
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.armTimer(timer)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case err := <-writeErr:
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-l.kick:
		case <-timer.C:
			l.Tick(l.now())
		}
	}
}

// pump writes queued frames until ctx is done or the link closes
func (l *Link) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-l.queue.signal:
			if err := l.flush(); err != nil {
				l.failWrite(err)
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
		}
	}
}

// flush writes every queued frame in order
func (l *Link) flush() error {
	for _, frame := range l.queue.take() {
		if tap := l.h.Tap; tap != nil {
			tap(true, frame)
		}
		if err := l.w.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) armTimer(timer *time.Timer) {
	timer.Stop()
	if due, ok := l.nextDeadline(); ok {
		wait := due.Sub(l.now())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// nextDeadline returns the earliest pending timer
func (l *Link) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.fatal != nil {
		return time.Time{}, false
	}

	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	consider(l.syncDue)
	consider(l.ackDue)
	if l.slot != nil {
		consider(l.slot.due)
	}
	return next, !next.IsZero()
}

// unlock releases the lock, then runs the handler calls queued while it
// was held
func (l *Link) unlock() {
	actions := l.actions
	l.actions = nil
	l.mu.Unlock()

	for _, action := range actions {
		action()
	}
}

func (l *Link) usable() error {
	if l.closed {
		return ErrClosed
	}
	if l.fatal != nil {
		return fmt.Errorf("%w: %w", ErrIO, l.fatal)
	}
	return nil
}

func (l *Link) kickTimer() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Link) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Link) setState(s State) {
	if l.state == s {
		return
	}
	l.log.Info("link state changed", zap.Stringer("from", l.state), zap.Stringer("to", s))
	l.state = s
	l.broadcast()

	if h := l.h.State; h != nil {
		l.actions = append(l.actions, func() { h(s) })
	}
}

func (l *Link) report(code Status, message string) {
	switch code {
	case StatusConnectionActive, StatusResetPerformed:
		l.log.Info(message, zap.Stringer("status", code))
	default:
		l.log.Warn(message, zap.Stringer("status", code))
	}

	if h := l.h.Status; h != nil {
		l.actions = append(l.actions, func() { h(code, message) })
	}
}

func (l *Link) deliver(payload []byte) {
	l.stats.Delivered++
	if h := l.h.Packet; h != nil {
		l.actions = append(l.actions, func() { h(payload) })
	}
}

// sendFrame encodes f and queues it for the writer
func (l *Link) sendFrame(f h5.Frame) ([]byte, error) {
	data, err := h5.Encode(f)
	if err != nil {
		l.report(StatusEncodeError, err.Error())
		return nil, err
	}

	if ce := l.log.Check(zap.DebugLevel, "tx"); ce != nil {
		ce.Write(zap.String("frame", h5.FormatFrame(f)))
	}

	wire := slip.Encode(data)
	l.queue.push(wire)
	l.stats.FramesSent++
	return wire, nil
}

// handleFrame dispatches one unescaped inbound frame
func (l *Link) handleFrame(raw []byte) {
	now := l.now()

	f, err := h5.Decode(raw)
	if err != nil {
		l.handleFramingError(err)
		return
	}
	l.errStreak = 0
	l.stats.FramesReceived++
	l.stats.LastUpdateTime = now

	if ce := l.log.Check(zap.DebugLevel, "rx"); ce != nil {
		ce.Write(zap.String("frame", h5.FormatFrame(f)))
	}

	switch f.Type {
	case h5.TypeLinkControl:
		l.handleControl(f, now)
	case h5.TypeAck:
		l.stats.AcksReceived++
		l.handleAck(f.Ack, true, now)
	case h5.TypeVendorSpecific:
		l.handleVendor(f, now)
	case h5.TypeReset:
		if l.state == StateActive {
			l.reset("peer sent RESET", now)
		}
	default:
		l.stats.Dropped++
		l.log.Debug("dropping frame of unsupported type", zap.Stringer("type", f.Type))
	}
}

// handleFramingError counts a discarded frame and resynchronizes the link
// once the error streak reaches the tolerance
func (l *Link) handleFramingError(err error) {
	now := l.now()
	l.stats.RecordFrameError(err, now)
	l.errStreak++
	l.log.Debug("discarding malformed frame", zap.Error(err), zap.Int("streak", l.errStreak))
	l.report(StatusDecodeError, err.Error())

	if l.state == StateActive && l.cfg.ErrorTolerance > 0 && l.errStreak >= l.cfg.ErrorTolerance {
		l.reset(fmt.Sprintf("%d consecutive framing errors", l.errStreak), now)
	}
}
