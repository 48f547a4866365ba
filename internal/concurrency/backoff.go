// File: internal/concurrency/backoff.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Adaptive poll interval: doubles while there is nothing to do, snaps
// back to the floor as soon as work shows up.

package concurrency

import (
	"time"

	"code.hybscloud.com/atomix"
)

const (
	DefaultPollFloor   = 2 * time.Millisecond
	DefaultPollCeiling = 1024 * time.Millisecond
)

// Backoff is an exponential interval between floor and ceiling. It is
// safe for concurrent use; Current may be read from another goroutine.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	cur     atomix.Int64
}

// NewBackoff clamps floor to at least 1ns and ceiling to at least floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Nanosecond
	}
	if ceiling < floor {
		ceiling = floor
	}
	b := &Backoff{floor: floor, ceiling: ceiling}
	b.cur.Store(int64(floor))
	return b
}

// Reset returns to the floor and reports it.
func (b *Backoff) Reset() time.Duration {
	b.cur.Store(int64(b.floor))
	return b.floor
}

// Idle returns the interval to wait now and doubles the next one, capped
// at the ceiling.
func (b *Backoff) Idle() time.Duration {
	d := time.Duration(b.cur.Load())
	next := d * 2
	if next > b.ceiling || next < d {
		next = b.ceiling
	}
	b.cur.Store(int64(next))
	return d
}

// Current is the interval the next Idle call will return.
func (b *Backoff) Current() time.Duration {
	return time.Duration(b.cur.Load())
}

func (b *Backoff) Floor() time.Duration   { return b.floor }
func (b *Backoff) Ceiling() time.Duration { return b.ceiling }
