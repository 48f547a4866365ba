//go:build !linux

// File: internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>

package concurrency

import (
	"runtime"

	"github.com/momentics/hioload-ipc/api"
)

// PinCurrentThread is not available on this platform.
func PinCurrentThread(cpu int) error {
	return api.ErrNotSupported
}

func NumCPU() int { return runtime.NumCPU() }
