// Package throttle coalesces bursts of trigger calls into at most one
// invocation of the wrapped function per interval.
package throttle

import (
	"sync"
	"time"
)

// Throttle invokes fn at most once per interval while triggers keep arriving.
// The first trigger after an idle period schedules a run one interval later,
// bounding data-loss exposure to a single interval under sustained editing.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	pending  bool
	stopped  bool
}

// New constructs a throttle around fn.
func New(interval time.Duration, fn func()) *Throttle {
	return &Throttle{interval: interval, fn: fn}
}

// Trigger requests a run. Calls while a run is already scheduled coalesce.
func (t *Throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.pending {
		return
	}
	t.pending = true
	t.timer = time.AfterFunc(t.interval, t.fire)
}

func (t *Throttle) fire() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	fn := t.fn
	t.mu.Unlock()
	fn()
}

// Flush runs any scheduled work immediately. Tests use this instead of
// waiting out real timers.
func (t *Throttle) Flush() {
	t.mu.Lock()
	if !t.pending || t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
	fn := t.fn
	t.mu.Unlock()
	fn()
}

// Stop cancels any scheduled run and refuses further triggers.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
	}
}
