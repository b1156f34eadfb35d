package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// workStatus is handed to every task a [workerPool] runs. It lets the task
// signal logical completion before its Go function actually returns. The
// pool's terminate does not consult that signal: it waits for every worker
// goroutine to return, including one whose task is the caller.
type workStatus struct {
	pool  *workerPool
	done  chan struct{}
	once  sync.Once
	spawn sync.Once
}

// MarkComplete signals that this task has logically finished, even though
// its Go function may still be unwinding (e.g. invoking a completion
// callback). Safe to call multiple times; only the first call has effect.
func (s *workStatus) MarkComplete() {
	s.once.Do(func() { close(s.done) })
}

// HintLongRunning tells the pool that this task expects to occupy its
// worker for an extended period, so the pool should spin up a replacement
// worker to keep its configured concurrency available to other tasks.
// Safe to call multiple times; only the first call spawns a replacement.
func (s *workStatus) HintLongRunning() {
	s.spawn.Do(func() {
		if s.pool != nil {
			s.pool.spawnWorker()
		}
	})
}

// workerPool is a fixed-size (plus on-demand, via [workStatus.HintLongRunning])
// pool of goroutines draining a shared task channel. It backs every [Port]
// whose [DispatchPolicy] is [ThreadPool] or [SerializedThreadPool].
type workerPool struct {
	tasks   chan func(*workStatus)
	eg      *errgroup.Group
	egCtx   context.Context
	closed  atomic.Bool
	closeMu sync.Mutex

	// onOverload, if set, is called (at most once per overloadLimiter
	// tick) whenever submit finds the task channel saturated, mirroring
	// the teacher's OnOverload(error) hook on its own event loop. It
	// defaults to a rate-limited structured-log line so a saturated pool
	// never log-storms.
	onOverload      func(error)
	overloadLimiter *rate.Limiter
}

// newWorkerPool constructs a pool with workers goroutines reading from a
// task channel buffered to capacity queueDepth. A queueDepth of 0 makes
// submit synchronous with a waiting worker.
func newWorkerPool(workers, queueDepth int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	eg, ctx := errgroup.WithContext(context.Background())
	p := &workerPool{
		tasks:           make(chan func(*workStatus), queueDepth),
		eg:              eg,
		egCtx:           ctx,
		overloadLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	for i := 0; i < workers; i++ {
		p.spawnWorker()
	}
	return p
}

// setOverloadHandler overrides the callback invoked when submit finds the
// pool saturated. Passing nil restores the default log-based handler.
func (p *workerPool) setOverloadHandler(fn func(error)) {
	p.onOverload = fn
}

func (p *workerPool) reportOverload() {
	if !p.overloadLimiter.Allow() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logCallbackPanicked(0, r, nil)
		}
	}()
	if p.onOverload != nil {
		p.onOverload(ErrOutOfMemory)
		return
	}
	LogWarn(getGlobalLogger(), "threadpool", "worker pool task channel saturated", nil)
}

// spawnWorker launches one additional worker goroutine for the lifetime of
// the pool.
func (p *workerPool) spawnWorker() {
	p.eg.Go(func() error {
		for task := range p.tasks {
			p.runTask(task)
		}
		return nil
	})
}

func (p *workerPool) runTask(task func(*workStatus)) {
	status := &workStatus{pool: p, done: make(chan struct{})}
	defer func() {
		if r := recover(); r != nil {
			logCallbackPanicked(0, r, nil)
		}
		status.MarkComplete()
	}()
	task(status)
}

// submit enqueues task to run on the pool. It returns [ErrOutOfMemory]
// wrapped in an [*OpError] if the pool's task channel is momentarily
// saturated, or [ErrClosed] if the pool has been terminated.
func (p *workerPool) submit(task func(*workStatus)) error {
	if p.closed.Load() {
		return newOpError("Submit", ErrClosed, nil)
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		p.reportOverload()
		return newOpError("Submit", ErrOutOfMemory, nil)
	}
}

// terminate closes the pool's task channel and waits for every worker
// (including any spawned via [workStatus.HintLongRunning]) to drain and
// exit, or for ctx to be canceled first.
func (p *workerPool) terminate(ctx context.Context) error {
	p.closeMu.Lock()
	if !p.closed.Swap(true) {
		close(p.tasks)
	}
	p.closeMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
