// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-ipc.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrNotConnected      = errors.New("endpoint is not connected")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrMessageTooLarge   = errors.New("message exceeds maximum frame size")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotSupported      = errors.New("operation not supported")
	ErrHandshakeTimeout  = errors.New("peer handshake did not complete")
	ErrPeerGone          = errors.New("peer said goodbye")
	ErrRegionMismatch    = errors.New("shared region size mismatch")
	ErrLockTimeout       = errors.New("zone lock acquisition timed out")
	ErrProtocolViolation = errors.New("malformed frame")
	ErrChannelBusy       = errors.New("channel already has two live endpoints")
)

// Kind classifies a failure by how the caller is expected to recover from it.
type Kind int

const (
	// KindSetupFailure: region or pipe could not be created or opened.
	// Fatal to the connection attempt; Start may be retried.
	KindSetupFailure Kind = iota + 1
	// KindProtocolViolation: a frame failed bounds or length validation.
	// The remainder of the buffer is discarded and processing continues.
	KindProtocolViolation
	// KindCapacityExceeded: the frame is too large or the zone has no room.
	// The write is deferred to a later cycle.
	KindCapacityExceeded
	// KindPeerLost: GOODBYE received or the handshake never completed.
	KindPeerLost
)

func (k Kind) String() string {
	switch k {
	case KindSetupFailure:
		return "setup failure"
	case KindProtocolViolation:
		return "protocol violation"
	case KindCapacityExceeded:
		return "capacity exceeded"
	case KindPeerLost:
		return "peer lost"
	default:
		return "unknown"
	}
}

// Error represents a structured transport error with kind and context.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
