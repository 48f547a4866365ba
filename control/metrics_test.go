// control/metrics_test.go
// Author: momentics <momentics@gmail.com>

package control_test

import (
	"sync"
	"testing"

	"github.com/momentics/hioload-ipc/control"
)

func TestMetricsAddConcurrent(t *testing.T) {
	mr := control.NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mr.Add("sent", 1)
			}
		}()
	}
	wg.Wait()
	if got := mr.Counter("sent"); got != 8000 {
		t.Fatalf("counter = %d, want 8000", got)
	}
	if mr.Updated().IsZero() {
		t.Errorf("update time not recorded")
	}
}

func TestMetricsSnapshotIsCopy(t *testing.T) {
	mr := control.NewMetricsRegistry()
	mr.Set("state", "connected")
	snap := mr.GetSnapshot()
	snap["state"] = "changed"
	if mr.GetSnapshot()["state"] != "connected" {
		t.Errorf("snapshot aliases registry")
	}
	if mr.Counter("state") != 0 {
		t.Errorf("non-counter value read as counter")
	}
}
