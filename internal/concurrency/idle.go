// File: internal/concurrency/idle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Idle strategies injected into a Worker.

package concurrency

import "time"

// IdlePolicy runs between task batches. Idle should return promptly when
// wake or stop fires.
type IdlePolicy interface {
	Idle(wake <-chan struct{}, stop <-chan struct{})
}

// Waker is implemented by policies that block somewhere other than the
// wake channel, such as a readiness reactor. The worker calls Wake on
// every PostTask and on Stop.
type Waker interface {
	Wake()
}

// WaitIdle blocks on the wake signal, bounded by Timeout when positive.
type WaitIdle struct {
	Timeout time.Duration
}

func (p WaitIdle) Idle(wake <-chan struct{}, stop <-chan struct{}) {
	if p.Timeout <= 0 {
		select {
		case <-wake:
		case <-stop:
		}
		return
	}
	sleep(p.Timeout, wake, stop)
}

// PollIdle calls Poll and then sleeps for the delay it returns. A
// non-positive delay returns immediately so the loop polls again.
type PollIdle struct {
	Poll func() time.Duration
}

func (p PollIdle) Idle(wake <-chan struct{}, stop <-chan struct{}) {
	d := p.Poll()
	if d <= 0 {
		return
	}
	sleep(d, wake, stop)
}

// sleep waits d, returning early on wake or stop.
func sleep(d time.Duration, wake <-chan struct{}, stop <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-wake:
	case <-stop:
	}
}
