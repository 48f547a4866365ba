package concurrency_test

import (
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/internal/concurrency"
)

func TestBackoffGrowsToCeilingAndResets(t *testing.T) {
	b := concurrency.NewBackoff(2*time.Millisecond, 64*time.Millisecond)
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := b.Idle()
		if d < prev {
			t.Fatalf("interval shrank while idle: %v -> %v", prev, d)
		}
		if d > 64*time.Millisecond {
			t.Fatalf("interval %v above ceiling", d)
		}
		prev = d
	}
	if b.Current() != 64*time.Millisecond {
		t.Errorf("Current = %v, want ceiling", b.Current())
	}
	if d := b.Reset(); d != 2*time.Millisecond || b.Current() != d {
		t.Errorf("Reset = %v, Current = %v", d, b.Current())
	}
}

func TestBackoffClampsArguments(t *testing.T) {
	b := concurrency.NewBackoff(0, -1)
	if b.Floor() <= 0 || b.Ceiling() < b.Floor() {
		t.Errorf("floor=%v ceiling=%v", b.Floor(), b.Ceiling())
	}
	if b.Idle() != b.Floor() {
		t.Error("first idle interval is not the floor")
	}
}
