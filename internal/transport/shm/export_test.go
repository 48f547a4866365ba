//go:build unix

package shm

import "sync/atomic"

// OrphanSide marks the region side held by t as owned by a process that
// exited without detaching.
func OrphanSide(t *Transport) {
	t.lifeMu.RLock()
	defer t.lifeMu.RUnlock()
	mine, _ := t.region.sides()
	atomic.StoreUint32(mine, 1<<31-2)
}
