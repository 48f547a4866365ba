// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package api

import "fmt"

// State is the connection state of a transport.
type State uint32

const (
	StateDisconnected State = iota
	StateAwaitingPeerHello
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingPeerHello:
		return "awaiting-peer-hello"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Method selects the transport an endpoint is built on.
type Method int

const (
	// MethodShared exchanges frames through a memory-mapped region.
	MethodShared Method = iota
	// MethodPipe exchanges frames over a duplex byte stream.
	MethodPipe
)

func (m Method) String() string {
	switch m {
	case MethodShared:
		return "shared"
	case MethodPipe:
		return "pipe"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod maps a configuration string onto a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "shared", "shm":
		return MethodShared, nil
	case "pipe", "stream":
		return MethodPipe, nil
	}
	return 0, fmt.Errorf("%w: unknown method %q", ErrInvalidArgument, s)
}
