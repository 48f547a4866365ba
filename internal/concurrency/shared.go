// File: internal/concurrency/shared.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"sync"
	"time"
)

// noHandlerWait is the reader/writer idle period before a handler is set.
const noHandlerWait = time.Second

// NotifyHandler is driven by a SharedWorker. Each Process method does one
// polling pass and returns how long to sleep before the next one.
type NotifyHandler interface {
	OnProcessRead() time.Duration
	OnProcessWrite() time.Duration
	// OnQuit runs on the stopping goroutine before both loops are stopped.
	OnQuit()
}

// SharedWorker composes a reader and a writer Worker for a transport
// that must poll in both directions. Tasks are posted to the writer.
type SharedWorker struct {
	reader *Worker
	writer *Worker

	mu      sync.RWMutex
	handler NotifyHandler
}

// NewSharedWorker creates both units. Options apply to each.
func NewSharedWorker(name string, opts ...WorkerOption) *SharedWorker {
	s := &SharedWorker{}
	s.reader = NewWorker(name+"/read", PollIdle{Poll: s.pollRead}, opts...)
	s.writer = NewWorker(name+"/write", PollIdle{Poll: s.pollWrite}, opts...)
	return s
}

// SetHandler registers h and wakes both loops so it is polled at once.
func (s *SharedWorker) SetHandler(h NotifyHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	s.reader.signal()
	s.writer.signal()
}

func (s *SharedWorker) currentHandler() NotifyHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *SharedWorker) pollRead() time.Duration {
	if h := s.currentHandler(); h != nil {
		return h.OnProcessRead()
	}
	return noHandlerWait
}

func (s *SharedWorker) pollWrite() time.Duration {
	if h := s.currentHandler(); h != nil {
		return h.OnProcessWrite()
	}
	return noHandlerWait
}

func (s *SharedWorker) Start() {
	s.reader.Start()
	s.writer.Start()
}

// PostTask queues t on the writer unit.
func (s *SharedWorker) PostTask(t Task) bool {
	return s.writer.PostTask(t)
}

// WakeWriter cuts the writer's current sleep short.
func (s *SharedWorker) WakeWriter() { s.writer.signal() }

// Stop calls the handler's OnQuit, then stops both units.
func (s *SharedWorker) Stop() {
	if h := s.currentHandler(); h != nil {
		h.OnQuit()
	}
	s.reader.Stop()
	s.writer.Stop()
}

// Wait waits for both units, sharing one timeout budget.
func (s *SharedWorker) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.reader.Wait(0) && s.writer.Wait(0)
	}
	deadline := time.Now().Add(timeout)
	if !s.reader.Wait(timeout) {
		return false
	}
	rest := time.Until(deadline)
	if rest <= 0 {
		rest = time.Nanosecond
	}
	return s.writer.Wait(rest)
}

func (s *SharedWorker) Reader() *Worker { return s.reader }
func (s *SharedWorker) Writer() *Worker { return s.writer }
