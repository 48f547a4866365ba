// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package api

import (
	"time"

	"github.com/momentics/hioload-ipc/protocol"
)

// Receiver is implemented by the application and fed by an endpoint.
// All methods run on a worker goroutine and must not block indefinitely.
type Receiver interface {
	// OnMessageReceived is called once per inbound frame. The view borrows
	// transport memory and is only valid until the call returns; use
	// View.Clone to keep it. Returns true if the message was handled.
	OnMessageReceived(msg protocol.View) bool

	// OnConnected is called once the peer's HELLO has been seen.
	OnConnected(peerID uint32)

	// OnError is called when the connection is lost or could not be set up.
	// It is not called on a normal local Close.
	OnError(err error)
}

// Transport is the contract both the shared-memory and the stream
// implementations satisfy so the endpoint can drive either one.
type Transport interface {
	// Connect opens the underlying region or pipe and starts the handshake.
	Connect() error

	// Send takes ownership of msg whether or not it succeeds.
	Send(msg *protocol.Message) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	State() State
	PeerID() uint32

	// MaxFrameSize is the largest header+payload the transport accepts.
	MaxFrameSize() int
}

// Worker is the task-queue unit an endpoint posts transport work to.
type Worker interface {
	Start()
	PostTask(task func()) bool
	Stop()
	// Wait blocks until the worker goroutines exit or timeout elapses.
	Wait(timeout time.Duration) bool
}
