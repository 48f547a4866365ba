// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness reactor used by the stream transport.

package reactor

import "time"

// FDEventType is a readiness bit set.
type FDEventType uint32

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
)

// FDCallback receives readiness for a registered descriptor. It runs on
// the goroutine calling Poll.
type FDCallback func(fd uintptr, events FDEventType)

// Reactor multiplexes readiness for a set of descriptors. Registration is
// level-triggered.
type Reactor interface {
	Register(fd uintptr, events FDEventType, cb FDCallback) error
	// Modify replaces the interest set of a registered descriptor.
	Modify(fd uintptr, events FDEventType) error
	Unregister(fd uintptr) error

	// Poll waits up to timeout and dispatches ready callbacks. A negative
	// timeout blocks until an event or Wake. Returns the number of
	// callbacks run.
	Poll(timeout time.Duration) (int, error)

	// Wake makes a blocked Poll return. Safe from any goroutine.
	Wake() error

	Close() error
}
