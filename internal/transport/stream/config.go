// File: internal/transport/stream/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stream

import (
	"os"
	"time"
)

const socketPrefix = "@hioload-ipc."

// Config holds the stream transport settings.
type Config struct {
	Name      string
	ProcessID uint32

	// MaxFrameSize bounds header plus payload in either direction.
	MaxFrameSize int
	// ReadBufferSize is the size of each pooled read chunk.
	ReadBufferSize   int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns settings for the named channel.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		ProcessID:      uint32(os.Getpid()),
		MaxFrameSize:   4 << 20,
		ReadBufferSize: 64 << 10,
	}
}

// SocketName is the abstract socket address used for a channel name.
func SocketName(name string) string { return socketPrefix + name }
