package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DispatchPolicy selects how a [Port] schedules the callbacks submitted to
// it.
type DispatchPolicy int

const (
	// Manual means callbacks are only ever run when the owner explicitly
	// calls [Port.DispatchOne].
	Manual DispatchPolicy = iota
	// ThreadPool means callbacks run concurrently on the port's own worker
	// pool, with no ordering guarantee across concurrently ready
	// callbacks.
	ThreadPool
	// SerializedThreadPool means callbacks run on the port's own worker pool,
	// but never more than one at a time for a given port — in
	// submission order, though fairness across a paused-then-resumed
	// port is best-effort only.
	SerializedThreadPool
	// Immediate means callbacks run synchronously, inline, on the
	// submitting goroutine.
	Immediate
)

// String returns a human-readable representation of the policy.
func (d DispatchPolicy) String() string {
	switch d {
	case Manual:
		return "Manual"
	case ThreadPool:
		return "ThreadPool"
	case SerializedThreadPool:
		return "SerializedThreadPool"
	case Immediate:
		return "Immediate"
	default:
		return "Unknown"
	}
}

var portIDSeq atomic.Int64

func nextPortID() int64 { return portIDSeq.Add(1) }

// delayedEntry is one pending [Port.SubmitDelayed] callback, ordered by
// deadline in a port's delayed heap.
type delayedEntry struct {
	deadline time.Time
	fn       func(canceled bool)
}

type delayedHeap []*delayedEntry

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)         { *h = append(*h, x.(*delayedEntry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// attachment is the token returned by [Port.Attach], letting a [TaskQueue]
// (or composite queue) hold a reference to a port without the port
// needing to know which queues hold it. Composite-queue isolation (only
// cancel/terminate entries submitted through a specific queue) is built on
// comparing attachment identity: every entry a composite submits carries
// its attachment, and [attachment.Cancel] flips a flag those entries check
// just before running, so a composite's own termination never touches
// entries submitted by another composite (or the owning queue directly)
// sharing the same underlying port.
type attachment struct {
	port     *Port
	canceled atomic.Bool
}

// Canceled reports whether this attachment's owning composite has been
// terminated; entries tagged with it are still invoked, but with
// canceled=true.
func (a *attachment) Canceled() bool { return a != nil && a.canceled.Load() }

// Cancel marks every entry tagged with this attachment as canceled. Queued
// entries already holding a reference to it will see the flag the next
// time they are dispatched and skip their real work.
func (a *attachment) Cancel() {
	if a != nil {
		a.canceled.Store(true)
	}
}

// Detach removes this attachment from its port's attachment set. It does
// not affect the port's lifecycle; a port with zero attachments simply has
// no queue left that can reach it.
func (a *attachment) Detach() {
	if a == nil {
		return
	}
	a.port.mu.Lock()
	delete(a.port.attachments, a)
	a.port.mu.Unlock()
}

// Port is one independent dispatch lane: callers [Port.Submit] or
// [Port.SubmitDelayed] callbacks to it, and it schedules them according to
// its [DispatchPolicy]. A Port is constructed independent of any
// [TaskQueue]; [Port.Attach] lets one or more queues reference it without
// creating a back-pointer cycle.
type Port struct {
	id     int64
	policy DispatchPolicy
	status portState
	clock  Clock

	mu          sync.Mutex
	pending     *LockFreeQueue[func(canceled bool)]
	delayed     delayedHeap
	attachments map[*attachment]struct{}
	waiters     map[Waitable]*waiterRegistration

	timer        *waitTimer
	pool         *workerPool
	pumping      atomic.Bool
	suspendCount atomic.Int32

	// termSuspendCount gates the Canceled->Terminating transition,
	// distinct from suspendCount (which only pauses dispatch). While it
	// is non-zero a Terminate call parks: it has already canceled
	// pending work but waits for termReady before actually transitioning
	// and draining. termReady is closed while the count is zero and
	// replaced with a fresh channel each time it goes above zero.
	termSuspendCount atomic.Int32
	termReady        chan struct{}

	inFlight sync.WaitGroup
	metrics  *Metrics
	logger   Logger
}

// NewPort constructs a Port with the given dispatch policy.
func NewPort(policy DispatchPolicy) *Port {
	ready := make(chan struct{})
	close(ready)
	p := &Port{
		id:          nextPortID(),
		policy:      policy,
		clock:       systemClock,
		pending:     NewLockFreeQueue[func(canceled bool)](),
		attachments: make(map[*attachment]struct{}),
		waiters:     make(map[Waitable]*waiterRegistration),
		termReady:   ready,
	}
	p.timer = newWaitTimer(p.clock)
	if policy == ThreadPool || policy == SerializedThreadPool {
		p.pool = newWorkerPool(4, 4096)
	}
	return p
}

// SuspendTermination increments the port's termination suspend-count. While
// it is non-zero, a concurrent or subsequent [Port.Terminate] call cancels
// pending work as usual but parks before the Canceled->Terminating
// transition until a matching [Port.ResumeTermination] brings the count
// back to zero.
func (p *Port) SuspendTermination() {
	p.mu.Lock()
	if p.termSuspendCount.Add(1) == 1 {
		p.termReady = make(chan struct{})
	}
	p.mu.Unlock()
}

// ResumeTermination reverses one [Port.SuspendTermination] call. Once the
// count returns to zero, any [Port.Terminate] call parked waiting for it
// proceeds to the Terminating transition.
func (p *Port) ResumeTermination() {
	p.mu.Lock()
	if p.termSuspendCount.Add(-1) == 0 {
		close(p.termReady)
	}
	p.mu.Unlock()
}

// waitTerminationUnsuspended blocks until the termination suspend-count is
// zero, or ctx is done.
func (p *Port) waitTerminationUnsuspended(ctx context.Context) error {
	for {
		p.mu.Lock()
		ready := p.termReady
		p.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.termSuspendCount.Load() == 0 {
			return nil
		}
	}
}

// ID returns a process-unique, monotonically increasing identifier for
// this port, suitable for log correlation.
func (p *Port) ID() int64 { return p.id }

// SetOverloadHandler overrides the callback invoked when this port's
// underlying worker pool (if any) finds its task channel saturated. It is
// a no-op on a Manual or Immediate port, which have no pool to saturate.
func (p *Port) SetOverloadHandler(fn func(error)) {
	if p.pool != nil {
		p.pool.setOverloadHandler(fn)
	}
}

// Status returns the port's current lifecycle status.
func (p *Port) Status() PortStatus { return p.status.load() }

// Attach registers a new attachment token against this port.
func (p *Port) Attach() *attachment {
	a := &attachment{port: p}
	p.mu.Lock()
	p.attachments[a] = struct{}{}
	p.mu.Unlock()
	return a
}

// Submit enqueues fn to run according to the port's dispatch policy. It
// fails with [ErrClosed] if the port is not [PortActive]. fn is invoked
// exactly once: with canceled=false if it actually runs, or canceled=true
// if the port is canceled or terminated before it gets a chance to.
func (p *Port) Submit(fn func(canceled bool)) error {
	if p.status.load() != PortActive {
		return newOpError("Submit", ErrClosed, nil)
	}
	return p.submitReady(fn)
}

// submitReady schedules fn without re-checking port status, used both by
// Submit and by the delayed-timer callback once a deadline has elapsed.
func (p *Port) submitReady(fn func(canceled bool)) error {
	switch p.policy {
	case Immediate:
		p.runCallback(func() { fn(false) })
		return nil
	case Manual:
		p.pending.PushBack(fn)
		return nil
	case ThreadPool:
		// Reserve the pool slot before pushing fn, so a saturated pool
		// (ErrOutOfMemory) never leaves fn stranded in pending with no
		// corresponding pop request: see kickConcurrent.
		p.mu.Lock()
		if err := p.kickConcurrent(); err != nil {
			p.mu.Unlock()
			return err
		}
		p.pending.PushBack(fn)
		p.mu.Unlock()
		return nil
	case SerializedThreadPool:
		p.pending.PushBack(fn)
		p.kickSerialized()
		return nil
	default:
		return newOpError("Submit", ErrUnexpected, nil)
	}
}

// SubmitDelayed enqueues fn to become ready no earlier than delay from now,
// then dispatched per the port's policy exactly as [Port.Submit] would.
func (p *Port) SubmitDelayed(fn func(canceled bool), delay time.Duration) error {
	if p.status.load() != PortActive {
		return newOpError("SubmitDelayed", ErrClosed, nil)
	}
	if delay <= 0 {
		return p.submitReady(fn)
	}

	deadline := p.clock.Now().Add(delay)
	p.mu.Lock()
	heap.Push(&p.delayed, &delayedEntry{deadline: deadline, fn: fn})
	earliest := p.delayed[0].deadline
	p.mu.Unlock()

	p.timer.Arm(earliest, p.onTimerFire)
	return nil
}

// onTimerFire is invoked by the port's waitTimer when the earliest armed
// deadline elapses. It moves every now-ready entry from the delayed heap
// into the dispatch path, then re-arms for the next deadline if any remain.
func (p *Port) onTimerFire() {
	now := p.clock.Now()
	var ready []func(bool)

	p.mu.Lock()
	for len(p.delayed) > 0 && !p.delayed[0].deadline.After(now) {
		e := heap.Pop(&p.delayed).(*delayedEntry)
		ready = append(ready, e.fn)
	}
	var next time.Time
	if len(p.delayed) > 0 {
		next = p.delayed[0].deadline
	}
	p.mu.Unlock()

	for _, fn := range ready {
		if p.status.load() == PortActive {
			if err := p.submitReady(fn); err == nil {
				continue
			}
		}
		// Port is no longer accepting work, or submission itself failed
		// (e.g. OutOfMemory): the entry must still be invoked exactly
		// once, so it is canceled rather than lost.
		fn := fn
		p.runCallback(func() { fn(true) })
	}

	if !next.IsZero() {
		p.timer.Arm(next, p.onTimerFire)
	}
}

// kickConcurrent submits one pop-and-run task to the pool for ThreadPool
// dispatch; multiple concurrently ready callbacks may run in parallel,
// bounded by the pool's worker count. The pop itself is serialized under
// p.mu against the push in submitReady, so a pool-saturation failure there
// can never race with a pop of the entry it is about to (not) push.
func (p *Port) kickConcurrent() error {
	return p.pool.submit(func(*workStatus) {
		p.mu.Lock()
		if p.suspendCount.Load() != 0 {
			p.mu.Unlock()
			return
		}
		fn, ok := p.pending.PopFront()
		p.mu.Unlock()
		if ok {
			p.runCallback(func() { fn(false) })
		}
	})
}

// kickSerialized ensures exactly one drain goroutine is pumping this
// port's pending queue at a time, guaranteeing SerializedThreadPool
// ordering regardless of how many pool workers exist.
func (p *Port) kickSerialized() {
	if !p.pumping.CompareAndSwap(false, true) {
		return
	}
	err := p.pool.submit(func(*workStatus) {
		p.drainSerialized()
	})
	if err != nil {
		p.pumping.Store(false)
		logWaiterError(err, false)
	}
}

func (p *Port) drainSerialized() {
	for {
		if p.suspendCount.Load() != 0 {
			p.pumping.Store(false)
			return
		}
		fn, ok := p.pending.PopFront()
		if !ok {
			p.pumping.Store(false)
			// Re-check: an item may have been pushed between our
			// failed pop and clearing the pumping flag.
			if fn2, ok2 := p.pending.PopFront(); ok2 {
				if p.pumping.CompareAndSwap(false, true) {
					p.runCallback(func() { fn2(false) })
					continue
				}
			}
			return
		}
		p.runCallback(func() { fn(false) })
	}
}

// runCallback executes fn, tracking in-flight count for drain-on-terminate,
// recovering panics, and recording latency/TPS metrics when enabled.
func (p *Port) runCallback(fn func()) {
	p.inFlight.Add(1)
	defer p.inFlight.Done()

	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			logCallbackPanicked(p.id, r, nil)
		}
		if p.metrics != nil {
			p.metrics.Latency.Record(p.clock.Now().Sub(start))
		}
	}()
	fn()
}

// DispatchOne runs a single ready callback for a [Manual]-policy port. It
// reports ran=false without error if the port is suspended or has nothing
// ready.
func (p *Port) DispatchOne() (ran bool, err error) {
	if p.policy != Manual {
		return false, newOpError("DispatchOne", ErrInvalidArg, nil)
	}
	if p.suspendCount.Load() != 0 {
		return false, nil
	}
	fn, ok := p.pending.PopFront()
	if !ok {
		return false, nil
	}
	p.runCallback(func() { fn(false) })
	return true, nil
}

// Suspend pauses dispatch: queued callbacks remain queued and newly ready
// delayed callbacks still join the queue, but nothing queued runs until a
// matching [Port.Resume]. Suspension does not gate an [Immediate] port:
// its Submit still runs the callback inline while the port is suspended.
func (p *Port) Suspend() {
	p.suspendCount.Add(1)
}

// Resume reverses one [Port.Suspend] call. Once the suspend count returns
// to zero, a ThreadPool or SerializedThreadPool port re-attempts dispatch
// of whatever is already queued; a Manual port relies on the owner calling
// [Port.DispatchOne] again.
func (p *Port) Resume() {
	if p.suspendCount.Add(-1) > 0 {
		return
	}
	switch p.policy {
	case ThreadPool:
		for n := p.pending.Len(); n > 0; n-- {
			if p.kickConcurrent() != nil {
				break
			}
		}
	case SerializedThreadPool:
		if !p.pending.Empty() {
			p.kickSerialized()
		}
	}
}

// Cancel drops every queued-but-not-yet-dispatched callback (both ready
// and delayed), invoking each one once with canceled=true instead of
// dispatching it normally, and moves the port to [PortCanceled].
// It is idempotent; canceling an already-canceled, terminating, or
// terminated port is a no-op.
func (p *Port) Cancel() {
	if !p.status.advance(PortCanceled) {
		return
	}
	p.dropQueued()
}

// dropQueued discards every pending and delayed entry from the queue, but
// never silently: each one is still invoked exactly once, with
// canceled=true, per the no-lost-callback guarantee. It is idempotent and
// safe to call even when the queue is already empty.
func (p *Port) dropQueued() {
	p.mu.Lock()
	delayed := p.delayed
	p.delayed = nil
	p.mu.Unlock()
	p.timer.Cancel()

	for _, e := range delayed {
		fn := e.fn
		p.runCallback(func() { fn(true) })
	}
	for {
		fn, ok := p.pending.PopFront()
		if !ok {
			return
		}
		p.runCallback(func() { fn(true) })
	}
}

// Terminate advances the port through Canceled (if not already there),
// dropping any queued work (each entry still invoked once with
// canceled=true), then waits for the termination suspend-count to reach
// zero before advancing to Terminating, waits for in-flight callbacks and
// the underlying worker pool (if any) to drain, unregisters any waitable
// handles, and finally moves to [PortTerminated]. It is safe to call more
// than once; a call that finds the port already Terminating or Terminated
// waits only for in-flight callbacks to return, not for the worker pool
// drain or the move to [PortTerminated].
func (p *Port) Terminate(ctx context.Context) error {
	p.status.advance(PortCanceled)
	p.dropQueued()

	if err := p.waitTerminationUnsuspended(ctx); err != nil {
		return err
	}

	if !p.status.advance(PortTerminating) {
		// Already terminating or terminated by another caller; still
		// wait for in-flight work to be consistent with "wait" callers.
		p.inFlight.Wait()
		return nil
	}

	p.timer.Wait()

	p.mu.Lock()
	waiters := make([]*waiterRegistration, 0, len(p.waiters))
	for _, w := range p.waiters {
		waiters = append(waiters, w)
	}
	p.waiters = make(map[Waitable]*waiterRegistration)
	p.mu.Unlock()
	for _, w := range waiters {
		_ = w.unregister()
	}

	var err error
	if p.pool != nil {
		err = p.pool.terminate(ctx)
	}
	p.inFlight.Wait()

	p.status.advance(PortTerminated)
	return err
}

// RegisterWaiter registers an OS-level waitable handle so that cb is
// submitted to this port (through its normal dispatch policy) whenever the
// requested events become ready. It fails with [ErrNotSupported] on
// platforms without a native epoll/kqueue backend. The returned function
// unregisters the handle; it is also called automatically by
// [Port.Terminate].
func (p *Port) RegisterWaiter(w Waitable, events IOEvents, cb func(events IOEvents, canceled bool)) (unregister func() error, err error) {
	backend, err := sharedWaiter()
	if err != nil {
		return nil, newOpError("RegisterWaiter", ErrNotSupported, err)
	}

	fd := int(w)
	wrapped := func(ev IOEvents) {
		// A waiter callback must never be skipped, even if the port has
		// already been canceled or is terminating by the time its event
		// fires; it is simply invoked directly with canceled=true
		// instead of going through the dispatch queue.
		if p.status.load() != PortActive {
			cb(ev, true)
			return
		}
		if err := p.submitReady(func(canceled bool) { cb(ev, canceled) }); err != nil {
			cb(ev, true)
		}
	}
	if err := backend.RegisterFD(fd, events, wrapped); err != nil {
		return nil, newOpError("RegisterWaiter", ErrInvalidArg, err)
	}

	reg := &waiterRegistration{fd: fd, w: backend}
	p.mu.Lock()
	p.waiters[w] = reg
	p.mu.Unlock()

	return func() error {
		p.mu.Lock()
		delete(p.waiters, w)
		p.mu.Unlock()
		return reg.unregister()
	}, nil
}
