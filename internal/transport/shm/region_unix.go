//go:build unix

// File: internal/transport/shm/region_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ipc/api"
)

const (
	regionPrefix = "hioload-ipc."

	// regionHeaderSize precedes the two zones:
	//	[magic u32][pad u32][owner A u32][owner B u32][reserved ...]
	// An owner word holds the OS pid attached to that side, 0 when free.
	regionHeaderSize = 64
	regionMagic      = 0x48495043 // "HIPC"
	ownerAOffset     = 8
	ownerBOffset     = 12

	// openRetries bounds how often OpenRegion reopens a name that was
	// unlinked between its open and its flock.
	openRetries = 3
)

// Region is a named memory-mapped file holding an owner header and two
// zones. Each attached process owns one side; side A writes zone A.
type Region struct {
	name  string
	path  string
	fd    int
	mem   []byte
	sideA bool
	owner uint32
}

// RegionPath maps a channel name to its backing file. /dev/shm is used
// when present, otherwise the temp directory.
func RegionPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", regionPrefix+name)
	}
	return filepath.Join(os.TempDir(), regionPrefix+name)
}

// OpenRegion attaches to the named region, creating it when absent, and
// claims a free side. Sides held by processes that no longer exist are
// reclaimed. size must hold two zones of at least one frame header.
func OpenRegion(name string, size int) (*Region, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: region name %q", api.ErrInvalidArgument, name)
	}
	if zoneSize(size) < zoneHeaderSize+minFrame {
		return nil, fmt.Errorf("%w: region size %d too small", api.ErrInvalidArgument, size)
	}
	total := regionHeaderSize + 2*zoneSize(size)
	path := RegionPath(name)

	for range openRetries {
		r, err := openLocked(name, path, total)
		if errors.Is(err, errUnlinked) {
			continue
		}
		return r, err
	}
	return nil, fmt.Errorf("open %s: %w", path, errUnlinked)
}

var errUnlinked = errors.New("region unlinked while attaching")

func openLocked(name, path string, total int) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	fail := func(err error) (*Region, error) {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fail(fmt.Errorf("stat %s: %w", path, err))
	}
	if st.Nlink == 0 {
		return fail(errUnlinked)
	}
	switch st.Size {
	case 0:
		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			return fail(fmt.Errorf("truncate %s: %w", path, err))
		}
	case int64(total):
	default:
		return fail(fmt.Errorf("%w: %s is %d bytes, want %d", api.ErrRegionMismatch, path, st.Size, total))
	}

	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("mmap %s: %w", path, err))
	}
	r := &Region{name: name, path: path, fd: fd, mem: mem, owner: uint32(os.Getpid())}

	magic := r.word(0)
	switch atomic.LoadUint32(magic) {
	case 0:
		atomic.StoreUint32(magic, regionMagic)
	case regionMagic:
	default:
		unix.Munmap(mem)
		return fail(fmt.Errorf("%w: %s has no region header", api.ErrRegionMismatch, path))
	}

	a, b := r.word(ownerAOffset), r.word(ownerBOffset)
	reclaim(a)
	reclaim(b)
	switch {
	case atomic.LoadUint32(a) == 0:
		r.sideA = true
	case atomic.LoadUint32(b) == 0:
	default:
		unix.Munmap(mem)
		return fail(fmt.Errorf("%w: %s", api.ErrChannelBusy, path))
	}
	mine, other := r.sides()
	if atomic.LoadUint32(other) == 0 {
		// first to attach: nothing in the zones belongs to a live writer
		clear(mem[regionHeaderSize:])
	}
	atomic.StoreUint32(mine, r.owner)
	unix.Flock(fd, unix.LOCK_UN)
	return r, nil
}

// reclaim frees an owner word whose process has exited.
func reclaim(w *uint32) {
	if pid := atomic.LoadUint32(w); pid != 0 && !processAlive(pid) {
		atomic.CompareAndSwapUint32(w, pid, 0)
	}
}

func processAlive(pid uint32) bool {
	if pid > 1<<31-1 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (r *Region) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) sides() (mine, other *uint32) {
	a, b := r.word(ownerAOffset), r.word(ownerBOffset)
	if r.sideA {
		return a, b
	}
	return b, a
}

func (r *Region) Name() string { return r.name }
func (r *Region) Path() string { return r.path }

// Creator reports whether this attachment holds side A.
func (r *Region) Creator() bool { return r.sideA }

// Size is the mapped length including the header.
func (r *Region) Size() int { return len(r.mem) }

// Zones returns zone A and zone B.
func (r *Region) Zones() (a, b *Zone) {
	zones := r.mem[regionHeaderSize:]
	half := len(zones) / 2
	return newZone(zones[:half]), newZone(zones[half:])
}

// Close releases this side, unmaps and closes the region. The last
// process to detach unlinks the name. Zones obtained from r must not be
// used afterwards.
func (r *Region) Close() error {
	if r.fd < 0 {
		return nil
	}
	var errs []error
	if err := unix.Flock(r.fd, unix.LOCK_EX); err != nil {
		errs = append(errs, fmt.Errorf("flock: %w", err))
	}
	mine, other := r.sides()
	atomic.CompareAndSwapUint32(mine, r.owner, 0)
	reclaim(other)
	if atomic.LoadUint32(other) == 0 {
		if err := unix.Unlink(r.path); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("unlink: %w", err))
		}
	}
	if err := unix.Munmap(r.mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	r.mem = nil
	// closing the descriptor drops the flock
	if err := unix.Close(r.fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	r.fd = -1
	return errors.Join(errs...)
}

// RemoveRegion unlinks a region name regardless of its owners.
func RemoveRegion(name string) error {
	err := unix.Unlink(RegionPath(name))
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}
