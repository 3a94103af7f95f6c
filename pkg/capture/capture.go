// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records the raw bytes exchanged with the target as a CBOR
// sequence: a header item followed by one item per chunk. Each link session
// starts with a marker record naming it, so one file can hold the sessions
// of a reconnecting client.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Format identifies capture files
const (
	Format  = "h5host-capture"
	Version = 1
)

// Direction of a captured chunk
type Direction uint8

const (
	Inbound  Direction = 0
	Outbound Direction = 1
)

// String returns "rx" or "tx"
func (d Direction) String() string {
	if d == Outbound {
		return "tx"
	}
	return "rx"
}

// Header is the first item of a capture
type Header struct {
	Format  string    `cbor:"1,keyasint"`
	Version int       `cbor:"2,keyasint"`
	Started time.Time `cbor:"4,keyasint"`
}

// Record is one captured chunk. Outbound records hold exactly one SLIP
// frame; inbound records hold whatever a single read returned.
//
// A record with Session set carries no data and marks the start of that
// link session.
type Record struct {
	Time    time.Time `cbor:"1,keyasint"`
	Dir     Direction `cbor:"2,keyasint"`
	Data    []byte    `cbor:"3,keyasint,omitempty"`
	Session string    `cbor:"4,keyasint,omitempty"`
}

// IsSessionStart reports whether r is a session marker
func (r Record) IsSessionStart() bool {
	return r.Session != ""
}

// ErrBadFormat is returned when a stream does not start with a capture header
var ErrBadFormat = errors.New("capture: not a capture file")

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagRequired
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Writer appends records to a capture. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *cbor.Encoder
	closer io.Closer
	now    func() time.Time
}

// NewWriter writes the capture header to w
func NewWriter(w io.Writer) (*Writer, error) {
	buf := bufio.NewWriter(w)
	cw := &Writer{
		buf: buf,
		enc: encMode.NewEncoder(buf),
		now: time.Now,
	}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}

	header := Header{Format: Format, Version: Version, Started: cw.now()}
	if err := cw.enc.Encode(header); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return cw, nil
}

// Create creates the capture file at path
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Write appends one record stamped with the current time
func (w *Writer) Write(dir Direction, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(Record{Time: w.now(), Dir: dir, Data: data})
}

// StartSession appends a marker for the link session id. Records that
// follow belong to it.
func (w *Writer) StartSession(id string) error {
	if id == "" {
		return errors.New("capture: empty session id")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(Record{Time: w.now(), Session: id})
}

// Flush writes buffered records to the underlying writer
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the underlying writer if it is a Closer
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// Reader reads records from a capture
type Reader struct {
	Header Header
	dec    *cbor.Decoder
}

// NewReader reads and checks the capture header
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(bufio.NewReader(r))

	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if header.Format != Format {
		return nil, fmt.Errorf("%w: format %q", ErrBadFormat, header.Format)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("capture: unsupported version %d", header.Version)
	}

	return &Reader{Header: header, dec: dec}, nil
}

// Next returns the next record, or io.EOF at the end of the capture
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("capture: %w", err)
	}
	return rec, nil
}
