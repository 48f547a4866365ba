// File: internal/concurrency/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"log"
	"runtime"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/eapache/queue"
)

// Task is a unit of work run on a worker goroutine.
type Task = func()

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithThreadLock keeps the worker goroutine on one OS thread.
func WithThreadLock() WorkerOption {
	return func(w *Worker) { w.lockThread = true }
}

// WithCPU pins the worker thread to cpu. Negative values disable pinning.
// Implies WithThreadLock.
func WithCPU(cpu int) WorkerOption {
	return func(w *Worker) {
		w.cpu = cpu
		if cpu >= 0 {
			w.lockThread = true
		}
	}
}

// Worker runs posted tasks in FIFO order on a single goroutine. Between
// batches it calls its IdlePolicy, which decides how to wait.
type Worker struct {
	name string
	idle IdlePolicy

	mu    sync.Mutex
	tasks *queue.Queue

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomix.Uint32

	lockThread bool
	cpu        int

	executed atomix.Uint64
	panics   atomix.Uint64
}

// NewWorker creates a stopped worker. A nil policy waits on the wake
// signal with no timeout.
func NewWorker(name string, idle IdlePolicy, opts ...WorkerOption) *Worker {
	if idle == nil {
		idle = WaitIdle{}
	}
	w := &Worker{
		name:  name,
		idle:  idle,
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		cpu:   -1,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name identifies the worker in logs.
func (w *Worker) Name() string { return w.name }

// Start launches the worker goroutine. Later calls are no-ops.
func (w *Worker) Start() {
	if w.started.Add(1) != 1 {
		return
	}
	go w.run()
}

// PostTask queues t and wakes the idle step. Returns false once the
// worker is stopping.
func (w *Worker) PostTask(t Task) bool {
	if t == nil {
		return false
	}
	w.mu.Lock()
	if w.Stopping() {
		w.mu.Unlock()
		return false
	}
	w.tasks.Add(t)
	w.mu.Unlock()
	w.signal()
	return true
}

// Pending is the number of queued tasks.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks.Length()
}

// Stopping reports whether Stop has been called.
func (w *Worker) Stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Stop asks the loop to exit. Tasks posted before Stop still run before
// the loop exits; later posts are refused. Safe from any goroutine,
// including the worker itself.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		close(w.stop)
		w.mu.Unlock()
		w.signal()
	})
}

// Wait blocks until the loop exits. A non-positive timeout waits forever.
// Returns false on timeout or if the worker was never started.
func (w *Worker) Wait(timeout time.Duration) bool {
	if w.started.Load() == 0 {
		return false
	}
	if timeout <= 0 {
		<-w.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed when the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stats reports executed tasks and recovered panics.
func (w *Worker) Stats() (executed, panics uint64) {
	return w.executed.Load(), w.panics.Load()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
	if wk, ok := w.idle.(Waker); ok {
		wk.Wake()
	}
}

func (w *Worker) run() {
	defer close(w.done)
	if w.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	if w.cpu >= 0 {
		if err := PinCurrentThread(w.cpu); err != nil {
			log.Printf("[worker] %s: pin to cpu %d: %v", w.name, w.cpu, err)
		}
	}
	for {
		w.runBatch(w.swap())
		if w.Stopping() {
			// PostTask refuses once stop is closed, so this batch is the last
			w.runBatch(w.swap())
			return
		}
		w.safe(func() { w.idle.Idle(w.wake, w.stop) })
	}
}

// swap takes the whole queue, leaving an empty one for producers.
func (w *Worker) swap() *queue.Queue {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tasks.Length() == 0 {
		return w.tasks
	}
	batch := w.tasks
	w.tasks = queue.New()
	return batch
}

func (w *Worker) runBatch(batch *queue.Queue) {
	for batch.Length() > 0 {
		w.safe(batch.Remove().(Task))
		w.executed.Add(1)
	}
}

// safe runs fn, keeping the worker alive if it panics.
func (w *Worker) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			log.Printf("[worker] %s: recovered panic: %v", w.name, r)
		}
	}()
	fn()
}
