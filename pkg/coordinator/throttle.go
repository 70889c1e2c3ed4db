package coordinator

import (
	"sync"
	"time"
)

// DefaultThrottle is the minimum spacing of ingestion-triggered refreshes.
const DefaultThrottle = 500 * time.Millisecond

// Throttle runs fn at most once per interval. A Trigger inside the interval,
// or while fn runs, schedules exactly one trailing call no matter how many
// triggers arrive in between. Calls never overlap.
type Throttle struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	cond    *sync.Cond
	last    time.Time
	running bool
	pending bool
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewThrottle returns a throttle around fn. A non-positive interval is
// DefaultThrottle.
func NewThrottle(interval time.Duration, fn func()) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottle
	}
	t := &Throttle{interval: interval, fn: fn}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Trigger requests a call. It never blocks on fn.
func (t *Throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.running {
		t.pending = true
		return
	}
	if t.timer != nil {
		return
	}
	if wait := t.interval - time.Since(t.last); wait > 0 {
		t.schedule(wait)
		return
	}
	t.begin()
	go t.run()
}

// Pending reports whether a trailing call is scheduled.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil || t.pending
}

// Cancel drops any scheduled trailing call and waits for an in-flight call
// to return.
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

// Stop cancels like Cancel and ignores later triggers.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.cancelLocked()
}

// cancelLocked repeats after each wait since the finishing call may have
// armed a new trailing timer.
func (t *Throttle) cancelLocked() {
	for {
		t.gen++
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.pending = false
		if !t.running {
			return
		}
		t.cond.Wait()
	}
}

// schedule arms the trailing timer. Caller holds mu.
func (t *Throttle) schedule(wait time.Duration) {
	gen := t.gen
	t.timer = time.AfterFunc(wait, func() { t.fire(gen) })
}

// begin marks a call as started. Caller holds mu.
func (t *Throttle) begin() {
	t.running = true
	t.last = time.Now()
}

func (t *Throttle) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if t.running {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.begin()
	t.mu.Unlock()
	t.run()
}

func (t *Throttle) run() {
	defer func() {
		t.mu.Lock()
		t.running = false
		if t.pending && !t.stopped {
			t.pending = false
			t.schedule(max(t.interval-time.Since(t.last), 0))
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}()
	t.fn()
}
