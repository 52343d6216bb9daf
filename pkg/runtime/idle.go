package runtime

import (
	"sync"
	"time"
)

// idleTimer fires once after d without a Touch. The callback decides
// whether to re-arm: true keeps the timer alive for another window,
// false leaves it dead (the process is shutting down).
type idleTimer struct {
	d     time.Duration
	fired func() bool

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newIdleTimer(d time.Duration, fired func() bool) *idleTimer {
	t := &idleTimer{d: d, fired: fired}
	t.timer = time.AfterFunc(d, t.fire)
	return t
}

// Touch resets the window. Called on every incoming request.
func (t *idleTimer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer.Reset(t.d)
}

// Stop cancels the timer permanently.
func (t *idleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}

func (t *idleTimer) fire() {
	if t.fired() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.stopped {
			t.timer.Reset(t.d)
		}
		return
	}
	t.Stop()
}
