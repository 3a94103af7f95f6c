// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "fmt"

// Status codes reported to the status handler
type Status int

const (
	StatusMaxRetriesReached Status = iota
	StatusUnexpected
	StatusEncodeError
	StatusDecodeError
	StatusSendError
	StatusIOResourcesUnavailable
	StatusResetPerformed
	StatusConnectionActive
)

// String returns the status code name
func (s Status) String() string {
	switch s {
	case StatusMaxRetriesReached:
		return "PKT_SEND_MAX_RETRIES_REACHED"
	case StatusUnexpected:
		return "PKT_UNEXPECTED"
	case StatusEncodeError:
		return "PKT_ENCODE_ERROR"
	case StatusDecodeError:
		return "PKT_DECODE_ERROR"
	case StatusSendError:
		return "PKT_SEND_ERROR"
	case StatusIOResourcesUnavailable:
		return "IO_RESOURCES_UNAVAILABLE"
	case StatusResetPerformed:
		return "RESET_PERFORMED"
	case StatusConnectionActive:
		return "CONNECTION_ACTIVE"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}
