package taskqueue

import (
	"sync"
	"time"
)

// Clock abstracts the current time so tests can inject a fake clock
// instead of depending on wall-clock time.
type Clock interface {
	Now() time.Time
}

// realClock is the default [Clock], backed by [time.Now].
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// systemClock is the package-wide default clock.
var systemClock Clock = realClock{}

// waitTimer arms a single deadline-triggered callback, built on
// [time.AfterFunc]. Rescheduling (arming a new, earlier deadline while a
// prior one is still pending) replaces the pending timer rather than
// stacking callbacks, mirroring the "one armed timer per port, re-armed to
// the earliest pending deadline" behavior of the originating C++ task
// queue.
type waitTimer struct {
	mu      sync.Mutex
	clock   Clock
	timer   *time.Timer
	armedAt time.Time
	wg      sync.WaitGroup
}

// newWaitTimer constructs an unarmed waitTimer using clock for Now(). If
// clock is nil, [systemClock] is used.
func newWaitTimer(clock Clock) *waitTimer {
	if clock == nil {
		clock = systemClock
	}
	return &waitTimer{clock: clock}
}

// Arm schedules fn to run no earlier than deadline. If a timer is already
// armed for a later deadline, it is replaced; if the existing deadline is
// earlier or equal, Arm is a no-op and the existing timer is left in
// place (submit-time deadline coalescing: only the earliest pending
// deadline is ever actually armed).
func (w *waitTimer) Arm(deadline time.Time, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil && !w.armedAt.After(deadline) {
		return
	}
	if w.timer != nil {
		if w.timer.Stop() {
			w.wg.Done()
		}
	}

	delay := deadline.Sub(w.clock.Now())
	if delay < 0 {
		delay = 0
	}

	w.wg.Add(1)
	w.armedAt = deadline
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timer == t {
			w.timer = nil
		}
		w.mu.Unlock()
		fn()
	})
	w.timer = t
}

// Cancel stops the currently armed timer, if any, preventing it from
// firing. Cancel does not guarantee that a callback already in flight
// (the deadline fired just before Cancel observed it) has returned; it
// only guarantees no new callback invocation will start. Callers that
// need to wait for an in-flight callback to finish should use Wait.
func (w *waitTimer) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil {
		return
	}
	if w.timer.Stop() {
		w.wg.Done()
	}
	w.timer = nil
}

// Wait blocks until any armed or in-flight callback has returned.
func (w *waitTimer) Wait() {
	w.wg.Wait()
}
