//go:build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific debug probes.

package control

import (
	"os"

	"github.com/momentics/hioload-ipc/internal/concurrency"
)

// RegisterPlatformProbes adds CPU and shared-memory probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return concurrency.NumCPU()
	})
	dp.RegisterProbe("platform.dev_shm", func() any {
		info, err := os.Stat("/dev/shm")
		return err == nil && info.IsDir()
	})
}
