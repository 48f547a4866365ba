//go:build !unix

// File: internal/transport/shm/region_other.go
// Author: momentics <momentics@gmail.com>

package shm

import "github.com/momentics/hioload-ipc/api"

// Region is unavailable on this platform.
type Region struct{}

func RegionPath(name string) string { return name }

func OpenRegion(name string, size int) (*Region, error) {
	return nil, api.ErrNotSupported
}

func (r *Region) Name() string            { return "" }
func (r *Region) Path() string            { return "" }
func (r *Region) Creator() bool           { return false }
func (r *Region) Size() int               { return 0 }
func (r *Region) Zones() (a, b *Zone)     { return nil, nil }
func (r *Region) Close() error            { return nil }

func RemoveRegion(name string) error { return nil }
