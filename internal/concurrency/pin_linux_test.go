//go:build linux

package concurrency_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ipc/internal/concurrency"
)

func TestPinnedWorkerRunsOnItsCPU(t *testing.T) {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		t.Skipf("sched_getaffinity: %v", err)
	}
	cpu := -1
	for i := 0; i < 1024; i++ {
		if allowed.IsSet(i) {
			cpu = i
			break
		}
	}
	if cpu < 0 {
		t.Skip("no usable cpu")
	}

	w := concurrency.NewWorker("pinned", concurrency.WaitIdle{}, concurrency.WithCPU(cpu))
	w.Start()
	defer func() {
		w.Stop()
		w.Wait(time.Second)
	}()

	got := make(chan unix.CPUSet, 1)
	w.PostTask(func() {
		var set unix.CPUSet
		unix.SchedGetaffinity(0, &set)
		got <- set
	})
	select {
	case set := <-got:
		if set.Count() != 1 || !set.IsSet(cpu) {
			t.Fatalf("worker affinity = %v, want only cpu %d", set, cpu)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}
	if n := concurrency.NumCPU(); n < 1 {
		t.Errorf("NumCPU = %d", n)
	}
}
