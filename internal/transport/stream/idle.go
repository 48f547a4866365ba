// File: internal/transport/stream/idle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stream

import (
	"log"
	"time"

	"github.com/momentics/hioload-ipc/reactor"
)

// DefaultPollTimeout bounds one reactor wait so periodic checks still run.
const DefaultPollTimeout = 100 * time.Millisecond

// ReactorIdle is a worker idle policy that waits on a reactor. Posting a
// task wakes it through the reactor's eventfd.
type ReactorIdle struct {
	r       reactor.Reactor
	timeout time.Duration
	tick    func()
}

// NewReactorIdle waits on r for at most timeout per idle step.
func NewReactorIdle(r reactor.Reactor, timeout time.Duration) *ReactorIdle {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &ReactorIdle{r: r, timeout: timeout}
}

// SetTick installs fn to run after every wait. Call it from the worker
// goroutine only.
func (p *ReactorIdle) SetTick(fn func()) { p.tick = fn }

func (p *ReactorIdle) Idle(wake <-chan struct{}, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-wake:
		// a task is queued; still give ready descriptors a turn
		if _, err := p.r.Poll(0); err != nil {
			log.Printf("[stream] reactor poll: %v", err)
		}
	default:
		if _, err := p.r.Poll(p.timeout); err != nil {
			log.Printf("[stream] reactor poll: %v", err)
			time.Sleep(p.timeout)
		}
	}
	if p.tick != nil {
		p.tick()
	}
}

// Wake interrupts a blocked reactor wait.
func (p *ReactorIdle) Wake() {
	if err := p.r.Wake(); err != nil {
		log.Printf("[stream] reactor wake: %v", err)
	}
}
