// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package adapter is the entry point for applications: it owns the channel,
// the link session and the request/response router, and delivers status,
// events and log messages to application callbacks.
//
// Callbacks run one at a time on a dedicated goroutine, never on the read
// loop and never while link state is locked. A callback must not call
// Close.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Thermoquad/h5host/pkg/channel"
	"github.com/Thermoquad/h5host/pkg/link"
	"github.com/Thermoquad/h5host/pkg/rpc"
)

var (
	// ErrAlreadyOpen is returned by Open on an open adapter.
	ErrAlreadyOpen = errors.New("adapter: already open")
	// ErrNotOpen is returned by Call and Close on a closed adapter.
	ErrNotOpen = errors.New("adapter: not open")
	// ErrOpenTimeout is returned when the link is not active within
	// OpenTimeout.
	ErrOpenTimeout = errors.New("adapter: link establishment timed out")
)

// Callbacks registered by Open. Any of them may be nil.
type Callbacks struct {
	Status func(code link.Status, message string)
	Event  func(data []byte)
	Log    func(severity Severity, message string)
	State  func(state link.State)
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger. Log callback output is teed from it.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithTap receives every raw chunk read and every frame written, for
// capture. It runs on the I/O goroutines and must not block.
func WithTap(tap func(outbound bool, data []byte)) Option {
	return func(a *Adapter) {
		a.tap = tap
	}
}

// WithSessionStart is called with the id of each new link session before
// its channel opens, so it precedes any tapped traffic.
func WithSessionStart(fn func(id string)) Option {
	return func(a *Adapter) {
		a.onSession = fn
	}
}

// WithLogLevel sets the minimum level forwarded to the log callback
// (default debug).
func WithLogLevel(level zapcore.Level) Option {
	return func(a *Adapter) {
		a.logLevel = level
	}
}

// session is everything created by one Open
type session struct {
	link    *link.Link
	router  *rpc.Router
	disp    *dispatcher
	log     *zap.Logger
	cancel  context.CancelFunc
	runDone chan struct{}
}

// Adapter is the façade over one channel
type Adapter struct {
	ch       channel.Channel
	cfg      Config
	log      *zap.Logger
	logLevel zapcore.Level
	tap      func(outbound bool, data []byte)

	onSession func(id string)

	mu   sync.Mutex
	sess *session
}

// New creates a closed adapter for ch
func New(ch channel.Channel, cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		ch:       ch,
		cfg:      cfg,
		log:      zap.NewNop(),
		logLevel: zapcore.DebugLevel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the adapter configuration
func (a *Adapter) Config() Config {
	return a.cfg
}

// Open opens the channel, establishes the link and returns once it is
// active. On failure everything opened so far is closed again.
func (a *Adapter) Open(ctx context.Context, cb Callbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess != nil {
		return ErrAlreadyOpen
	}

	s, err := a.newSession(cb)
	if err != nil {
		return err
	}
	if a.onSession != nil {
		a.onSession(s.link.ID())
	}

	if err := a.ch.Open(s.link.Feed, s.link.Fail); err != nil {
		s.shutdown()
		return fmt.Errorf("adapter: open channel: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.runDone)
		if err := s.link.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("link loop stopped", zap.Error(err))
		}
	}()

	if err := s.link.Start(); err != nil {
		a.teardown(s)
		return fmt.Errorf("adapter: start link: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, a.cfg.OpenTimeout)
	defer waitCancel()
	if err := s.link.WaitForState(waitCtx, link.StateActive); err != nil {
		a.teardown(s)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.log.Warn("link not active in time", zap.Duration("timeout", a.cfg.OpenTimeout))
			return ErrOpenTimeout
		}
		return fmt.Errorf("adapter: open: %w", err)
	}

	a.sess = s
	s.log.Info("adapter open")
	return nil
}

func (a *Adapter) newSession(cb Callbacks) (*session, error) {
	s := &session{
		disp:    newDispatcher(),
		runDone: make(chan struct{}),
	}

	s.log = a.log
	if cb.Log != nil {
		sink := func(sev Severity, msg string) {
			s.disp.post(func() { cb.Log(sev, msg) })
		}
		s.log = zap.New(zapcore.NewTee(a.log.Core(), newCallbackCore(a.logLevel, sink)))
	}

	status := func(code link.Status, message string) {
		if cb.Status != nil {
			s.disp.post(func() { cb.Status(code, message) })
		}
	}

	var active atomic.Bool
	handlers := link.Handlers{
		Packet: func(payload []byte) { s.router.HandlePacket(payload) },
		Status: status,
		State: func(state link.State) {
			if state == link.StateActive {
				active.Store(true)
			} else if active.Swap(false) {
				s.abortCall()
			}
			if cb.State != nil {
				s.disp.post(func() { cb.State(state) })
			}
		},
		Tap: a.tap,
	}

	l, err := link.New(a.ch, a.cfg.Config, handlers, link.WithLogger(s.log))
	if err != nil {
		s.disp.close()
		return nil, err
	}
	s.link = l
	s.log = s.log.With(zap.String("session", l.ID()))

	s.router = rpc.NewRouter(l, rpc.Handlers{
		Event: func(data []byte) {
			if cb.Event != nil {
				s.disp.post(func() { cb.Event(data) })
			}
		},
		Status: status,
	}, s.log)

	return s, nil
}

// abortCall fails an outstanding call when the link leaves Active
func (s *session) abortCall() {
	if err := s.link.Err(); err != nil {
		s.router.Abort(fmt.Errorf("%w: %w", link.ErrIO, err))
		return
	}
	s.router.Abort(link.ErrLinkReset)
}

// shutdown releases a session whose channel never opened
func (s *session) shutdown() {
	s.router.Close()
	s.link.Close()
	s.disp.close()
}

func (a *Adapter) teardown(s *session) error {
	s.router.Close()
	s.link.Close()
	err := a.ch.Close()
	if s.cancel != nil {
		s.cancel()
		<-s.runDone
	}
	s.disp.close()
	return err
}

// Close fails pending calls with a closed error, stops the link and closes
// the channel. Callbacks queued before Close still run.
func (a *Adapter) Close() error {
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()

	if s == nil {
		return ErrNotOpen
	}
	s.log.Info("adapter closing", zap.Stringer("stats", statsSummary(s.link)))
	if err := a.teardown(s); err != nil {
		return fmt.Errorf("adapter: close channel: %w", err)
	}
	return nil
}

// Call sends a command and waits for its response. A zero timeout selects
// ResponseTimeout. Errors are *rpc.CommandError.
func (a *Adapter) Call(ctx context.Context, opcode uint8, cmd []byte, timeout time.Duration) ([]byte, error) {
	s := a.session()
	if s == nil {
		return nil, &rpc.CommandError{Opcode: opcode, Err: ErrNotOpen}
	}
	if timeout <= 0 {
		timeout = a.cfg.ResponseTimeout
	}
	return s.router.Call(ctx, opcode, cmd, timeout)
}

// IsOpen reports whether Open succeeded and Close has not been called
func (a *Adapter) IsOpen() bool {
	return a.session() != nil
}

// State returns the link state, or StateUninitialized when closed
func (a *Adapter) State() link.State {
	if s := a.session(); s != nil {
		return s.link.State()
	}
	return link.StateUninitialized
}

// Counters returns the sequence counters of the open link
func (a *Adapter) Counters() link.SequenceCounters {
	if s := a.session(); s != nil {
		return s.link.Counters()
	}
	return link.SequenceCounters{}
}

// Stats returns the statistics of the open link
func (a *Adapter) Stats() link.Statistics {
	if s := a.session(); s != nil {
		return s.link.Stats()
	}
	return link.Statistics{}
}

// SessionID returns the id of the open link session
func (a *Adapter) SessionID() string {
	if s := a.session(); s != nil {
		return s.link.ID()
	}
	return ""
}

// Err returns the I/O failure that took the link down, if any
func (a *Adapter) Err() error {
	if s := a.session(); s != nil {
		return s.link.Err()
	}
	return nil
}

func (a *Adapter) session() *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

type statsStringer struct{ l *link.Link }

func (s statsStringer) String() string {
	stats := s.l.Stats()
	return fmt.Sprintf("sent=%d received=%d retransmissions=%d framing_errors=%d resets=%d",
		stats.FramesSent, stats.FramesReceived, stats.Retransmissions, stats.FramingErrors(), stats.Resets)
}

func statsSummary(l *link.Link) fmt.Stringer {
	return statsStringer{l}
}
