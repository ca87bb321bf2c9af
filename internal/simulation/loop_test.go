package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastTargetTicks(t *testing.T) {
	var ticks int32
	loop := NewLoop(10*time.Millisecond, func(time.Duration) {
		atomic.AddInt32(&ticks, 1)
	})
	loop.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	loop.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
}

func TestLoopStopsWithContext(t *testing.T) {
	loop := NewLoop(5*time.Millisecond, func(time.Duration) {})
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return after cancellation")
	}
}

func TestLoopStepDuration(t *testing.T) {
	if step := NewLoop(100*time.Millisecond, nil).StepDuration(); step != 100*time.Millisecond {
		t.Fatalf("unexpected step duration %v", step)
	}
	if step := NewLoop(0, nil).StepDuration(); step != 100*time.Millisecond {
		t.Fatalf("expected default cadence, got %v", step)
	}
}
