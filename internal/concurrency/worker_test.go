package concurrency_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/internal/concurrency"
)

func TestWorkerRunsTasksInOrder(t *testing.T) {
	w := concurrency.NewWorker("order", concurrency.WaitIdle{})
	w.Start()
	defer func() {
		w.Stop()
		w.Wait(time.Second)
	}()

	const n = 500
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		if !w.PostTask(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}) {
			t.Fatalf("PostTask #%d rejected", i)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestWorkerStopExitsPromptly(t *testing.T) {
	w := concurrency.NewWorker("stop", concurrency.WaitIdle{Timeout: time.Hour})
	w.Start()
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	w.Stop()
	if !w.Wait(time.Second) {
		t.Fatal("worker did not exit after Stop")
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("stop took %v", d)
	}
	if w.PostTask(func() {}) {
		t.Error("PostTask accepted after Stop")
	}
}

func TestWorkerRunsQueuedTasksOnStop(t *testing.T) {
	w := concurrency.NewWorker("drain", concurrency.WaitIdle{})
	w.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	w.PostTask(func() {
		close(started)
		<-release
	})
	<-started

	const n = 20
	var ran atomic.Int32
	for i := 0; i < n; i++ {
		if !w.PostTask(func() { ran.Add(1) }) {
			t.Fatalf("PostTask #%d rejected", i)
		}
	}
	w.Stop()
	if w.PostTask(func() { ran.Add(1) }) {
		t.Error("PostTask accepted after Stop")
	}
	close(release)

	if !w.Wait(2 * time.Second) {
		t.Fatal("worker did not exit")
	}
	if got := ran.Load(); got != n {
		t.Errorf("ran %d of %d tasks queued before Stop", got, n)
	}
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := concurrency.NewWorker("panic", nil)
	w.Start()
	defer func() {
		w.Stop()
		w.Wait(time.Second)
	}()
	ran := make(chan struct{})
	w.PostTask(func() { panic("boom") })
	w.PostTask(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	if _, panics := w.Stats(); panics != 1 {
		t.Errorf("panics = %d, want 1", panics)
	}
}

func TestWaitBeforeStart(t *testing.T) {
	w := concurrency.NewWorker("idle", nil)
	if w.Wait(10 * time.Millisecond) {
		t.Error("Wait succeeded on a worker that never started")
	}
}

func TestPollIdleCallsPollRepeatedly(t *testing.T) {
	var polls atomic.Int32
	w := concurrency.NewWorker("poll", concurrency.PollIdle{Poll: func() time.Duration {
		polls.Add(1)
		return time.Millisecond
	}})
	w.Start()
	deadline := time.Now().Add(2 * time.Second)
	for polls.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	w.Stop()
	w.Wait(time.Second)
	if polls.Load() < 5 {
		t.Fatalf("poll ran %d times", polls.Load())
	}
}

func TestPostTaskCutsPollSleepShort(t *testing.T) {
	w := concurrency.NewWorker("wake", concurrency.PollIdle{Poll: func() time.Duration {
		return time.Hour
	}})
	w.Start()
	defer func() {
		w.Stop()
		w.Wait(time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	ran := make(chan struct{})
	w.PostTask(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted task waited for the poll delay")
	}
}
