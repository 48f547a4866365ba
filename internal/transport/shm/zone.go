// File: internal/transport/shm/zone.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"code.hybscloud.com/iox"

	"github.com/momentics/hioload-ipc/protocol"
)

const (
	zoneHeaderSize = 8
	minFrame       = protocol.HeaderSize
)

// zoneSize is the per-zone share of a region of the given total size,
// rounded down to keep both lock words 8-byte aligned.
func zoneSize(total int) int {
	return (total / 2) &^ 7
}

// Zone is one direction of a region. The lock word is a cross-process
// spinlock; whoever holds it owns the used length and the data bytes.
type Zone struct {
	lock *uint32
	used *uint32
	data []byte
}

func newZone(mem []byte) *Zone {
	base := unsafe.Pointer(&mem[0])
	return &Zone{
		lock: (*uint32)(base),
		used: (*uint32)(unsafe.Add(base, 4)),
		data: mem[zoneHeaderSize:],
	}
}

// Capacity is the largest frame that fits in an empty zone.
func (z *Zone) Capacity() int { return len(z.data) }

func (z *Zone) tryLock() bool {
	return atomic.CompareAndSwapUint32(z.lock, 0, 1)
}

func (z *Zone) unlock() {
	atomic.StoreUint32(z.lock, 0)
}

// acquire spins on the lock word for up to timeout. A non-positive
// timeout makes a single attempt.
func (z *Zone) acquire(timeout time.Duration) error {
	if z.tryLock() {
		return nil
	}
	if timeout <= 0 {
		return iox.ErrWouldBlock
	}
	deadline := time.Now().Add(timeout)
	var bo iox.Backoff
	for {
		bo.Wait()
		if z.tryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return iox.ErrWouldBlock
		}
	}
}

// Locked runs fn while holding the zone lock. The lock is released when
// fn returns or panics. Returns iox.ErrWouldBlock if the lock could not
// be taken within timeout.
func (z *Zone) Locked(timeout time.Duration, fn func(za *ZoneAccess)) error {
	if err := z.acquire(timeout); err != nil {
		return err
	}
	defer z.unlock()
	za := ZoneAccess{z: z}
	fn(&za)
	return nil
}

// ZoneAccess is the bounds-checked view of a locked zone. It is only
// valid inside the Locked callback.
type ZoneAccess struct {
	z *Zone
}

// Used is the number of bytes holding frames. A value written by a
// misbehaving peer is clamped to the capacity.
func (za *ZoneAccess) Used() int {
	n := int(atomic.LoadUint32(za.z.used))
	if n > len(za.z.data) || n < 0 {
		return len(za.z.data)
	}
	return n
}

// SetUsed records n bytes in use. Out of range values are rejected.
func (za *ZoneAccess) SetUsed(n int) bool {
	if n < 0 || n > len(za.z.data) {
		return false
	}
	atomic.StoreUint32(za.z.used, uint32(n))
	return true
}

// Data is the whole frame area. Only the first Used bytes are meaningful.
func (za *ZoneAccess) Data() []byte { return za.z.data }

// Free is the space left after the used bytes.
func (za *ZoneAccess) Free() int { return len(za.z.data) - za.Used() }

// Append copies frame after the used bytes and bumps the used length.
// Returns false, writing nothing, when it does not fit.
func (za *ZoneAccess) Append(frame []byte) bool {
	used := za.Used()
	if len(frame) > len(za.z.data)-used {
		return false
	}
	copy(za.z.data[used:], frame)
	atomic.StoreUint32(za.z.used, uint32(used+len(frame)))
	return true
}

// Reset zeroes the used bytes and empties the zone.
func (za *ZoneAccess) Reset() {
	clear(za.z.data[:za.Used()])
	atomic.StoreUint32(za.z.used, 0)
}
