// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package slip

// Decoder states (internal)
const (
	stateIdle     = iota // waiting for the first End
	stateFrame           // inside a frame
	stateEscaping        // Esc seen, waiting for EscEnd / EscEsc
)

// Decoder is a streaming SLIP decoder. Bytes may arrive split across any
// number of reads; a frame is yielded once its closing End is seen.
//
// Every End both terminates the current frame and opens the next one, so
// back-to-back delimiters and leading noise are tolerated.
type Decoder struct {
	state   int
	buffer  []byte
	maxSize int
}

// NewDecoder creates a decoder that rejects frames larger than maxSize.
// A maxSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{
		state:   stateIdle,
		buffer:  make([]byte, 0, 64),
		maxSize: maxSize,
	}
}

// Reset drops any partial frame and waits for the next delimiter.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
}

// Pending returns the number of unescaped bytes buffered for the frame in
// progress.
func (d *Decoder) Pending() int {
	return len(d.buffer)
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame (a fresh slice owned by the caller), or nil if
// the frame is incomplete. Returns an error if the frame in progress had to
// be discarded.
func (d *Decoder) DecodeByte(b byte) ([]byte, error) {
	switch d.state {
	case stateIdle:
		if b == End {
			d.startFrame()
		}
		return nil, nil

	case stateFrame:
		switch b {
		case End:
			// Empty frames are just repeated delimiters
			if len(d.buffer) == 0 {
				return nil, nil
			}
			frame := make([]byte, len(d.buffer))
			copy(frame, d.buffer)
			d.startFrame()
			return frame, nil
		case Esc:
			d.state = stateEscaping
			return nil, nil
		default:
			return nil, d.put(b)
		}

	case stateEscaping:
		switch b {
		case EscEnd:
			d.state = stateFrame
			return nil, d.put(End)
		case EscEsc:
			d.state = stateFrame
			return nil, d.put(Esc)
		case End:
			// Delimiter while escaping: the escape state is out of sync with
			// the sender. Drop the partial frame and treat this End as the
			// start of the next one.
			d.startFrame()
			return nil, ErrBadEscape
		default:
			d.Reset()
			return nil, ErrBadEscape
		}

	default:
		d.Reset()
		return nil, nil
	}
}

// Decode feeds a chunk of bytes through the decoder, calling emit for every
// completed frame and onError for every discarded one. Either callback may
// be nil.
func (d *Decoder) Decode(data []byte, emit func([]byte), onError func(error)) {
	for _, b := range data {
		frame, err := d.DecodeByte(b)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if frame != nil && emit != nil {
			emit(frame)
		}
	}
}

func (d *Decoder) startFrame() {
	d.state = stateFrame
	d.buffer = d.buffer[:0]
}

func (d *Decoder) put(b byte) error {
	if len(d.buffer) >= d.maxSize {
		d.Reset()
		return ErrFrameTooLarge
	}
	d.buffer = append(d.buffer, b)
	return nil
}
