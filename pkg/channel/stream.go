// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"fmt"
	"io"
	"sync"
)

const readBufferSize = 4096

// Stream adapts an io.ReadWriteCloser to Channel with a reader goroutine
type Stream struct {
	rwc         io.ReadWriteCloser
	description string

	mu      sync.Mutex
	writeMu sync.Mutex
	opened  bool
	closed  bool
	done    chan struct{}
}

// NewStream wraps rwc. The description names the transport in logs.
func NewStream(rwc io.ReadWriteCloser, description string) *Stream {
	return &Stream{
		rwc:         rwc,
		description: description,
		done:        make(chan struct{}),
	}
}

// String returns the description
func (s *Stream) String() string {
	return s.description
}

// Open starts the reader goroutine
func (s *Stream) Open(onData func([]byte), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true

	go s.readLoop(onData, onError)
	return nil
}

func (s *Stream) readLoop(onData func([]byte), onError func(error)) {
	defer close(s.done)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			if !s.isClosed() && onError != nil {
				onError(fmt.Errorf("%s: read: %w", s.description, err))
			}
			return
		}
	}
}

// Write sends p in full
func (s *Stream) Write(p []byte) error {
	s.mu.Lock()
	usable := s.opened && !s.closed
	s.mu.Unlock()
	if !usable {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(p) > 0 {
		n, err := s.rwc.Write(p)
		if err != nil {
			return fmt.Errorf("%s: write: %w", s.description, err)
		}
		p = p[n:]
	}
	return nil
}

// Close closes the underlying transport and waits for the reader to stop
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opened := s.opened
	s.mu.Unlock()

	err := s.rwc.Close()
	if opened {
		<-s.done
	}
	return err
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
