package clock

import (
	"context"
	"testing"
	"time"
)

func TestSystemMonotone(t *testing.T) {
	c := System()
	prev := c.NowMicros()
	for i := 0; i < 1000; i++ {
		now := c.NowMicros()
		if now < prev {
			t.Fatalf("clock stepped back: %d -> %d", prev, now)
		}
		prev = now
	}
}

func TestSystemSleepUntil(t *testing.T) {
	c := System()
	target := c.NowMicros() + 5_000
	if err := c.SleepUntil(context.Background(), target); err != nil {
		t.Fatalf("SleepUntil: %v", err)
	}
	if got := c.NowMicros(); got < target {
		t.Fatalf("woke early: now %d < target %d", got, target)
	}
}

func TestSystemSleepCancelled(t *testing.T) {
	c := System()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.SleepUntil(ctx, c.NowMicros()+60_000_000)
	}()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not observe cancellation")
	}
}

func TestManualAdvanceWakesSleeper(t *testing.T) {
	m := NewManual(0)
	done := make(chan error, 1)
	go func() {
		done <- m.SleepUntil(context.Background(), 1_000)
	}()
	waitForSleepers(t, m, 1)

	m.Advance(500)
	select {
	case <-done:
		t.Fatal("woke before target")
	case <-time.After(10 * time.Millisecond):
	}

	m.Advance(500)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SleepUntil: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke")
	}
}

func TestManualSleepPastTargetReturns(t *testing.T) {
	m := NewManual(2_000)
	if err := m.SleepUntil(context.Background(), 1_000); err != nil {
		t.Fatalf("SleepUntil: %v", err)
	}
}

func TestManualSetNeverBackwards(t *testing.T) {
	m := NewManual(5_000)
	m.Set(1_000)
	if got := m.NowMicros(); got != 5_000 {
		t.Fatalf("Set moved clock backwards to %d", got)
	}
}

func waitForSleepers(t *testing.T, m *Manual, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for m.Sleepers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sleeper(s)", n)
		}
		time.Sleep(time.Millisecond)
	}
}
