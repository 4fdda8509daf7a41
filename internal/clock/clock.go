// Package clock provides the monotonic microsecond clock all scheduling is
// expressed in. Beats are converted to host microseconds at the last moment;
// the clock itself never observes wall-clock or NTP adjustments.
package clock

import (
	"context"
	"time"
)

// Clock is a monotonic microsecond time source.
type Clock interface {
	// NowMicros returns microseconds since an arbitrary fixed origin.
	// Successive calls never decrease.
	NowMicros() int64

	// SleepUntil blocks until NowMicros() >= target or ctx is cancelled.
	SleepUntil(ctx context.Context, target int64) error
}

type systemClock struct {
	origin time.Time
}

// processStart anchors the process-wide clock. time.Since uses the monotonic
// reading, so the value is immune to wall-clock steps.
var processStart = time.Now()

// System returns the process-wide monotonic clock.
func System() Clock {
	return systemClock{origin: processStart}
}

func (c systemClock) NowMicros() int64 {
	return time.Since(c.origin).Microseconds()
}

func (c systemClock) SleepUntil(ctx context.Context, target int64) error {
	for {
		d := time.Duration(target-c.NowMicros()) * time.Microsecond
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if c.NowMicros() >= target {
			return nil
		}
	}
}
