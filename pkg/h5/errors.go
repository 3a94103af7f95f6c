// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package h5

import "fmt"

// ErrorKind classifies frame encode/decode failures
type ErrorKind int

const (
	KindInvalidLength ErrorKind = iota + 1
	KindInvalidData
	KindSizeMismatch
	KindCRCMismatch
	KindPayloadTooLarge
	KindInvalidField
)

// String returns a short name for the kind
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidLength:
		return "invalid length"
	case KindInvalidData:
		return "header checksum mismatch"
	case KindSizeMismatch:
		return "size mismatch"
	case KindCRCMismatch:
		return "crc mismatch"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindInvalidField:
		return "invalid header field"
	default:
		return "unknown"
	}
}

// FrameError represents a frame that could not be encoded or decoded.
// Match with errors.Is against the Err* sentinels or errors.As for details.
type FrameError struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface
func (e *FrameError) Error() string {
	if e.Message == "" {
		return "h5: " + e.Kind.String()
	}
	return "h5: " + e.Kind.String() + ": " + e.Message
}

// Is reports whether target is a FrameError of the same kind
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrInvalidLength   = &FrameError{Kind: KindInvalidLength}
	ErrInvalidData     = &FrameError{Kind: KindInvalidData}
	ErrSizeMismatch    = &FrameError{Kind: KindSizeMismatch}
	ErrCRCMismatch     = &FrameError{Kind: KindCRCMismatch}
	ErrPayloadTooLarge = &FrameError{Kind: KindPayloadTooLarge}
	ErrInvalidField    = &FrameError{Kind: KindInvalidField}
)

func frameErrorf(kind ErrorKind, format string, args ...interface{}) *FrameError {
	return &FrameError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
