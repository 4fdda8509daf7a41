package clock

import (
	"context"
	"sync"
)

// Manual is a hand-advanced clock for tests. Sleepers wake when Advance moves
// the clock past their target.
type Manual struct {
	mu      sync.Mutex
	now     int64
	waiters []manualWaiter
}

type manualWaiter struct {
	target int64
	ch     chan struct{}
}

// NewManual returns a manual clock starting at now microseconds.
func NewManual(now int64) *Manual {
	return &Manual{now: now}
}

func (m *Manual) NowMicros() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and wakes every sleeper whose target has
// been reached.
func (m *Manual) Advance(micros int64) {
	m.mu.Lock()
	m.now += micros
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.target <= m.now {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()
}

// Set jumps the clock to an absolute value, never backwards.
func (m *Manual) Set(now int64) {
	m.mu.Lock()
	if now > m.now {
		m.now = now
		remaining := m.waiters[:0]
		for _, w := range m.waiters {
			if w.target <= m.now {
				close(w.ch)
			} else {
				remaining = append(remaining, w)
			}
		}
		m.waiters = remaining
	}
	m.mu.Unlock()
}

// Sleepers reports how many goroutines are currently blocked in SleepUntil.
func (m *Manual) Sleepers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func (m *Manual) SleepUntil(ctx context.Context, target int64) error {
	m.mu.Lock()
	if target <= m.now {
		m.mu.Unlock()
		return ctx.Err()
	}
	w := manualWaiter{target: target, ch: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.mu.Lock()
		for i := range m.waiters {
			if m.waiters[i].ch == w.ch {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}
