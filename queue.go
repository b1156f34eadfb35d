package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var queueIDSeq atomic.Int64

func nextQueueID() int64 { return queueIDSeq.Add(1) }

// QueueEventKind classifies a [QueueEvent] delivered to a registered
// monitor.
type QueueEventKind int

const (
	// EventSubmitted fires when a callback is accepted by a port.
	EventSubmitted QueueEventKind = iota
	// EventDispatched fires after a submitted callback has returned.
	EventDispatched
)

// String returns a human-readable representation of the event kind.
func (k QueueEventKind) String() string {
	switch k {
	case EventSubmitted:
		return "Submitted"
	case EventDispatched:
		return "Dispatched"
	default:
		return "Unknown"
	}
}

// QueueEvent is delivered to every monitor registered via
// [TaskQueue.RegisterMonitor].
type QueueEvent struct {
	Port *Port
	Kind QueueEventKind
}

// monitorRegistry tracks (token, callback) pairs under a single RWMutex.
// Token ids are reused via a small free list (a ring-buffer-style reuse
// scheme) so registration stays cheap under churn, without needing weak
// pointers: monitors are explicitly unregistered, never garbage collected.
type monitorRegistry struct {
	mu        sync.RWMutex
	next      int64
	freeIDs   []int64
	callbacks map[int64]func(QueueEvent)
}

func newMonitorRegistry() *monitorRegistry {
	return &monitorRegistry{callbacks: make(map[int64]func(QueueEvent))}
}

func (r *monitorRegistry) register(cb func(QueueEvent)) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id int64
	if n := len(r.freeIDs); n > 0 {
		id = r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
	} else {
		r.next++
		id = r.next
	}
	r.callbacks[id] = cb
	return id
}

func (r *monitorRegistry) unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[id]; !ok {
		return
	}
	delete(r.callbacks, id)
	r.freeIDs = append(r.freeIDs, id)
}

func (r *monitorRegistry) notify(ev QueueEvent) {
	r.mu.RLock()
	cbs := make([]func(QueueEvent), 0, len(r.callbacks))
	for _, cb := range r.callbacks {
		cbs = append(cbs, cb)
	}
	r.mu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logCallbackPanicked(0, r, nil)
				}
			}()
			cb(ev)
		}()
	}
}

// Dispatcher is satisfied by both [TaskQueue] and [CompositeTaskQueue],
// letting [Begin] drive an async operation on whichever one the caller
// holds.
type Dispatcher interface {
	Submit(fn func(canceled bool)) error
	SubmitDelayed(fn func(canceled bool), delay time.Duration) error
	SubmitCompletion(fn func(canceled bool)) error
}

// TaskQueue owns a Work [Port] and a Completion [Port], and lets callers
// register monitors notified on submission and dispatch. It is the
// top-level handle most callers construct and hold.
type TaskQueue struct {
	id         int64
	Work       *Port
	Completion *Port

	workAttach *attachment
	complAttach *attachment

	monitors     *monitorRegistry
	metrics      *Metrics
	processOwned bool
}

// New constructs a TaskQueue with independent Work and Completion ports,
// each dispatched per the supplied options (defaulting to [ThreadPool] for
// both).
func New(opts ...Option) (*TaskQueue, error) {
	cfg, err := resolveQueueOptions(opts)
	if err != nil {
		return nil, err
	}

	q := &TaskQueue{
		id:         nextQueueID(),
		Work:       NewPort(cfg.workDispatch),
		Completion: NewPort(cfg.completionDispatch),
		monitors:   newMonitorRegistry(),
	}
	q.workAttach = q.Work.Attach()
	q.complAttach = q.Completion.Attach()

	if cfg.metricsEnabled {
		q.metrics = &Metrics{}
		q.Work.metrics = q.metrics
		q.Completion.metrics = q.metrics
	}
	if cfg.logger != nil {
		q.Work.logger = cfg.logger
		q.Completion.logger = cfg.logger
	}
	if cfg.overloadHandler != nil {
		q.Work.SetOverloadHandler(cfg.overloadHandler)
		q.Completion.SetOverloadHandler(cfg.overloadHandler)
	}

	return q, nil
}

// ID returns a process-unique identifier for this queue.
func (q *TaskQueue) ID() int64 { return q.id }

// Submit enqueues fn on the Work port.
func (q *TaskQueue) Submit(fn func(canceled bool)) error {
	return q.submitTo(q.Work, fn)
}

// SubmitCompletion enqueues fn on the Completion port.
func (q *TaskQueue) SubmitCompletion(fn func(canceled bool)) error {
	return q.submitTo(q.Completion, fn)
}

func (q *TaskQueue) submitTo(port *Port, fn func(canceled bool)) error {
	wrapped := func(canceled bool) {
		fn(canceled)
		q.monitors.notify(QueueEvent{Port: port, Kind: EventDispatched})
	}
	if err := port.Submit(wrapped); err != nil {
		return err
	}
	q.monitors.notify(QueueEvent{Port: port, Kind: EventSubmitted})
	return nil
}

// SubmitDelayed enqueues fn on the Work port, to become ready no earlier
// than delay from now.
func (q *TaskQueue) SubmitDelayed(fn func(canceled bool), delay time.Duration) error {
	wrapped := func(canceled bool) {
		fn(canceled)
		q.monitors.notify(QueueEvent{Port: q.Work, Kind: EventDispatched})
	}
	if err := q.Work.SubmitDelayed(wrapped, delay); err != nil {
		return err
	}
	q.monitors.notify(QueueEvent{Port: q.Work, Kind: EventSubmitted})
	return nil
}

// RegisterMonitor registers cb to be notified of every submission and
// dispatch event on either port. It returns a function that unregisters
// cb; calling it more than once is safe.
func (q *TaskQueue) RegisterMonitor(cb func(QueueEvent)) (unregister func()) {
	id := q.monitors.register(cb)
	return func() { q.monitors.unregister(id) }
}

// Metrics returns the queue's metrics, or nil if it was constructed
// without [WithMetrics].
func (q *TaskQueue) Metrics() *Metrics { return q.metrics }

// Terminate terminates the Work port, then the Completion port, in that
// order, so no new completion can be queued once in-flight work has
// drained. If wait is false, termination proceeds in the background and
// Terminate returns immediately with a nil error. The process-wide
// default queue (see [InitProcessTaskQueue]) rejects Terminate with
// [ErrAccessDenied]: callers don't own it, so they cannot close it.
func (q *TaskQueue) Terminate(ctx context.Context, wait bool) error {
	if q.processOwned {
		return newOpError("Terminate", ErrAccessDenied, nil)
	}
	if !wait {
		go func() {
			_ = q.Work.Terminate(context.Background())
			_ = q.Completion.Terminate(context.Background())
		}()
		return nil
	}
	if err := q.Work.Terminate(ctx); err != nil {
		return err
	}
	return q.Completion.Terminate(ctx)
}

// CompositeTaskQueue attaches to an existing Work and Completion [Port]
// pair — typically belonging to another [TaskQueue] — without taking
// ownership of them. Terminating a composite cancels and detaches its own
// attachment tokens, so entries it submitted that have not run yet are
// invoked with canceled=true; it never cancels or terminates the underlying ports,
// since other queues may still be attached to them (the composite
// termination rule).
type CompositeTaskQueue struct {
	id         int64
	Work       *Port
	Completion *Port

	workAttach  *attachment
	complAttach *attachment
	monitors    *monitorRegistry
}

// NewCompositeTaskQueue constructs a composite queue over the given ports.
func NewCompositeTaskQueue(work, completion *Port) *CompositeTaskQueue {
	return &CompositeTaskQueue{
		id:          nextQueueID(),
		Work:        work,
		Completion:  completion,
		workAttach:  work.Attach(),
		complAttach: completion.Attach(),
		monitors:    newMonitorRegistry(),
	}
}

// ID returns a process-unique identifier for this composite queue.
func (c *CompositeTaskQueue) ID() int64 { return c.id }

// Submit enqueues fn on the composite's Work port, tagged with this
// composite's attachment so that [CompositeTaskQueue.Terminate] can cancel
// it (invoking fn with canceled=true instead of running it) without
// touching entries submitted by another composite, or directly on the
// owning queue, sharing the same port.
func (c *CompositeTaskQueue) Submit(fn func(canceled bool)) error {
	attach := c.workAttach
	wrapped := func(canceled bool) {
		fn(canceled || attach.Canceled())
		c.monitors.notify(QueueEvent{Port: c.Work, Kind: EventDispatched})
	}
	if err := c.Work.Submit(wrapped); err != nil {
		return err
	}
	c.monitors.notify(QueueEvent{Port: c.Work, Kind: EventSubmitted})
	return nil
}

// SubmitDelayed enqueues fn on the composite's Work port, to become ready
// no earlier than delay from now.
func (c *CompositeTaskQueue) SubmitDelayed(fn func(canceled bool), delay time.Duration) error {
	attach := c.workAttach
	wrapped := func(canceled bool) {
		fn(canceled || attach.Canceled())
		c.monitors.notify(QueueEvent{Port: c.Work, Kind: EventDispatched})
	}
	if err := c.Work.SubmitDelayed(wrapped, delay); err != nil {
		return err
	}
	c.monitors.notify(QueueEvent{Port: c.Work, Kind: EventSubmitted})
	return nil
}

// SubmitCompletion enqueues fn on the composite's Completion port.
func (c *CompositeTaskQueue) SubmitCompletion(fn func(canceled bool)) error {
	attach := c.complAttach
	wrapped := func(canceled bool) {
		fn(canceled || attach.Canceled())
		c.monitors.notify(QueueEvent{Port: c.Completion, Kind: EventDispatched})
	}
	if err := c.Completion.Submit(wrapped); err != nil {
		return err
	}
	c.monitors.notify(QueueEvent{Port: c.Completion, Kind: EventSubmitted})
	return nil
}

// RegisterMonitor registers cb for this composite's own submit/dispatch
// events (independent of any monitors registered on the underlying ports'
// owning queue).
func (c *CompositeTaskQueue) RegisterMonitor(cb func(QueueEvent)) (unregister func()) {
	id := c.monitors.register(cb)
	return func() { c.monitors.unregister(id) }
}

// Terminate cancels every entry submitted through this composite (already
// queued ones included — they see the flag when the port gets to them and
// run with canceled=true instead of doing their real work) and detaches
// its attachment tokens from the underlying ports. It never cancels or
// terminates those ports, or entries submitted through another composite
// or the owning queue directly: the composite termination rule.
func (c *CompositeTaskQueue) Terminate() {
	c.workAttach.Cancel()
	c.complAttach.Cancel()
	c.workAttach.Detach()
	c.complAttach.Detach()
}

// processContext is a singleton, test-resettable holder for the
// process-wide default [TaskQueue], generalizing the package-level-global
// pattern the teacher uses for its own process-scoped infrastructure.
type processContext struct {
	mu    sync.Mutex
	queue *TaskQueue
}

var defaultProcess processContext

// InitProcessTaskQueue constructs the process-wide default TaskQueue if
// one does not already exist, and returns it. Subsequent calls return the
// same instance, ignoring opts.
func InitProcessTaskQueue(opts ...Option) (*TaskQueue, error) {
	defaultProcess.mu.Lock()
	defer defaultProcess.mu.Unlock()
	if defaultProcess.queue != nil {
		return defaultProcess.queue, nil
	}
	q, err := New(opts...)
	if err != nil {
		return nil, err
	}
	q.processOwned = true
	defaultProcess.queue = q
	return q, nil
}

// ProcessTaskQueue returns the process-wide default TaskQueue, or
// [ErrNoTaskQueue] if [InitProcessTaskQueue] has not been called.
func ProcessTaskQueue() (*TaskQueue, error) {
	defaultProcess.mu.Lock()
	defer defaultProcess.mu.Unlock()
	if defaultProcess.queue == nil {
		return nil, newOpError("ProcessTaskQueue", ErrNoTaskQueue, nil)
	}
	return defaultProcess.queue, nil
}

// ResetProcessTaskQueue clears the process-wide default TaskQueue without
// terminating it, so test harnesses can call [InitProcessTaskQueue] again
// with different options. It does not terminate the previous queue;
// callers that need that should hold their own reference and call
// [TaskQueue.Terminate] first.
func ResetProcessTaskQueue() {
	defaultProcess.mu.Lock()
	defer defaultProcess.mu.Unlock()
	defaultProcess.queue = nil
}
