package taskqueue

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Opcode is the verb an [AsyncProvider] function is invoked with.
type Opcode int

const (
	// OpBegin is invoked once, synchronously, from [Begin].
	OpBegin Opcode = iota
	// OpDoWork is invoked on the owning queue's Work port, possibly many
	// times; each invocation must either complete the operation or
	// return [ErrPending].
	OpDoWork
	// OpGetResult is invoked from [AsyncBlock.GetResult], after the
	// operation has reached Completed.
	OpGetResult
	// OpCancel is invoked at most once, from [AsyncBlock.Cancel].
	OpCancel
	// OpCleanup is invoked exactly once, as the last opcode any record
	// ever observes.
	OpCleanup
)

// String returns a human-readable representation of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpBegin:
		return "Begin"
	case OpDoWork:
		return "DoWork"
	case OpGetResult:
		return "GetResult"
	case OpCancel:
		return "Cancel"
	case OpCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// AsyncProvider is the function a caller supplies to [Begin]; it is
// invoked with every opcode over the lifetime of the operation. The
// package never holds the async record's lock while calling it, because
// a user completion callback may call
// [AsyncBlock.GetResult], which reenters the provider with OpCleanup from
// inside that same callback.
type AsyncProvider func(op Opcode, async *AsyncBlock) error

var liveProviders atomic.Int64

// LiveProviders returns the number of [Begin]-ed operations that have not
// yet reached CleanedUp. It exists for tests asserting refcount
// conservation across cancellation and error paths.
func LiveProviders() int64 { return liveProviders.Load() }

var asyncIDSeq atomic.Int64

func nextAsyncID() int64 { return asyncIDSeq.Add(1) }

// structurallyComparable reports whether v can safely appear on either
// side of a Go `==` without panicking (e.g. not a slice, map, or func).
func structurallyComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func identityMatches(a, b any) bool {
	if !structurallyComparable(a) || !structurallyComparable(b) {
		return false
	}
	return a == b
}

// asyncRecord is the private state backing one [AsyncBlock]. Identity and
// provider are written once, before the first state transition out of
// Initial, and never change afterward, so they are read without the
// mutex; result/err mutate under mu because GetStatus and GetResult can
// race a concurrent Complete.
type asyncRecord struct {
	id           int64
	state        asyncState
	identity     any
	identityName string
	provider     AsyncProvider

	mu         sync.Mutex
	result     any
	err        error
	resultSize int

	doneCh      chan struct{}
	doneOnce    sync.Once
	cleanupOnce sync.Once

	cancelInvoked atomic.Bool
}

// AsyncBlock is the caller-owned handle for one asynchronous operation.
// It carries the owning queue, a user context value, and an optional
// completion callback; everything else lives in the private record
// created by [Begin].
type AsyncBlock struct {
	Queue      Dispatcher
	Context    any
	OnComplete func(*AsyncBlock)

	record *asyncRecord
}

// ID returns a process-unique identifier for this operation, suitable for
// log correlation.
func (a *AsyncBlock) ID() int64 { return a.record.id }

// Canceled reports whether [AsyncBlock.Cancel] has been requested. A
// provider's DoWork implementation should check this cooperatively and
// call [AsyncBlock.Complete] with [ErrAborted] when it is able to stop.
func (a *AsyncBlock) Canceled() bool {
	_, canceled := a.record.state.load()
	return canceled
}

// SetResult stashes v as the operation's result, to be returned by
// [AsyncBlock.GetResult]. It is typically called from within OpDoWork or
// OpCancel, before returning nil or [ErrAborted].
func (a *AsyncBlock) SetResult(v any) {
	rec := a.record
	rec.mu.Lock()
	rec.result = v
	rec.mu.Unlock()
}

// SetResultSize records the size of the pending result, retrievable via
// [AsyncBlock.ResultSize] once the operation has completed.
func (a *AsyncBlock) SetResultSize(n int) {
	rec := a.record
	rec.mu.Lock()
	rec.resultSize = n
	rec.mu.Unlock()
}

// ResultSize returns the size recorded via [AsyncBlock.SetResultSize]. It
// fails with [ErrPending] until the operation has completed.
func (a *AsyncBlock) ResultSize() (int, error) {
	st, _ := a.record.state.load()
	if st < opCompleted {
		return 0, newOpError("ResultSize", ErrPending, nil)
	}
	a.record.mu.Lock()
	defer a.record.mu.Unlock()
	return a.record.resultSize, nil
}

func callProvider(op Opcode, async *AsyncBlock) error {
	return async.record.provider(op, async)
}

// advanceAsyncTo moves s forward to at least `to`, tolerating a state
// that has already reached or passed it (a concurrent caller won the
// race). It never regresses and never blocks.
func advanceAsyncTo(s *asyncState, to opState) {
	for {
		st, _ := s.load()
		if st >= to {
			return
		}
		if s.tryAdvance(st, to) {
			return
		}
	}
}

// Begin starts a new async operation on queue: it allocates the record,
// records identity and provider, and synchronously invokes OpBegin. If
// OpBegin returns an error, the operation transitions directly to
// Completed carrying that error — Cleanup still fires — but Begin itself
// reports success, since the *launch* succeeded; the failure is visible
// via [AsyncBlock.GetStatus]. Because Cleanup has already run by the time
// Begin returns, [AsyncBlock.GetResult] fails with [ErrInvalidArg].
//
// identity must be comparable with `==`; it is what [AsyncBlock.GetResult]
// checks against to reject a mismatched caller. identityName is carried
// for diagnostics only.
func Begin(queue Dispatcher, ctx any, identity any, identityName string, provider AsyncProvider, onComplete func(*AsyncBlock)) (*AsyncBlock, error) {
	if queue == nil || provider == nil {
		return nil, newOpError("Begin", ErrInvalidArg, nil)
	}
	if !structurallyComparable(identity) {
		return nil, newOpError("Begin", ErrInvalidArg, nil)
	}

	rec := &asyncRecord{
		id:           nextAsyncID(),
		identity:     identity,
		identityName: identityName,
		provider:     provider,
		doneCh:       make(chan struct{}),
	}
	async := &AsyncBlock{Queue: queue, Context: ctx, OnComplete: onComplete, record: rec}
	liveProviders.Add(1)

	if err := callProvider(OpBegin, async); err != nil {
		rec.mu.Lock()
		rec.err = err
		rec.mu.Unlock()
		advanceAsyncTo(&rec.state, opCompleted)
		logOpStateChange(rec.id, opInitial, opCompleted)
		async.dispatchCompletion()
		async.runCleanup()
		return async, nil
	}
	return async, nil
}

// Run is a convenience launcher for the common case of a single,
// non-reentrant unit of work: it begins, schedules, runs workFn under
// OpDoWork, and completes with whatever workFn returns.
func Run(queue Dispatcher, ctx any, identity any, identityName string, workFn func(*AsyncBlock) (any, error), onComplete func(*AsyncBlock)) (*AsyncBlock, error) {
	provider := func(op Opcode, async *AsyncBlock) error {
		if op != OpDoWork {
			return nil
		}
		result, err := workFn(async)
		if err == nil {
			async.SetResult(result)
		}
		return err
	}
	async, err := Begin(queue, ctx, identity, identityName, provider, onComplete)
	if err != nil {
		return nil, err
	}
	st, _ := async.record.state.load()
	if st == opCompleted {
		// Begin itself already failed and completed the record.
		return async, nil
	}
	if err := async.Schedule(0); err != nil {
		return nil, err
	}
	return async, nil
}

// Schedule moves the operation from Initial to Scheduled and submits its
// first OpDoWork invocation to the queue's Work port, to run no earlier
// than delay from now. It fails with [ErrInvalidArg] if the operation has
// already been scheduled (or has already completed).
func (a *AsyncBlock) Schedule(delay time.Duration) error {
	rec := a.record
	if !rec.state.tryAdvance(opInitial, opScheduled) {
		return newOpError("Schedule", ErrInvalidArg, nil)
	}
	logOpStateChange(rec.id, opInitial, opScheduled)
	return a.submitDoWork(delay)
}

// Reschedule requests another OpDoWork invocation, to run no earlier than
// delay from now. A provider calls this from within OpDoWork just before
// returning [ErrPending], to be woken again later instead of immediately.
// It accepts either Scheduled (the first OpDoWork call, before runDoWork
// has had a chance to promote the record to Pending) or Pending (any
// later call), advancing to Pending itself if needed. It fails with
// [ErrInvalidArg] once the operation has completed.
func (a *AsyncBlock) Reschedule(delay time.Duration) error {
	rec := a.record
	for {
		st, _ := rec.state.load()
		if st == opPending {
			break
		}
		if st != opScheduled {
			return newOpError("Reschedule", ErrInvalidArg, nil)
		}
		if rec.state.tryAdvance(opScheduled, opPending) {
			logOpStateChange(rec.id, opScheduled, opPending)
			break
		}
	}
	return a.submitDoWork(delay)
}

func (a *AsyncBlock) submitDoWork(delay time.Duration) error {
	run := func(canceled bool) {
		if canceled {
			a.Complete(ErrAborted)
			return
		}
		a.runDoWork()
	}
	if delay <= 0 {
		return a.Queue.Submit(run)
	}
	return a.Queue.SubmitDelayed(run, delay)
}

// runDoWork invokes OpDoWork exactly once and reacts to its result: nil
// or any error other than [ErrPending] completes the operation;
// [ErrPending] leaves it Pending, awaiting a [AsyncBlock.Reschedule] from
// the provider. A stale invocation — one delivered after the operation
// already completed, e.g. via [AsyncBlock.Cancel] racing a reschedule —
// is silently dropped.
func (a *AsyncBlock) runDoWork() {
	rec := a.record
	st, _ := rec.state.load()
	if st != opScheduled && st != opPending {
		return
	}

	err := callProvider(OpDoWork, a)
	if errors.Is(err, ErrPending) {
		if st == opScheduled {
			rec.state.tryAdvance(opScheduled, opPending)
			logOpStateChange(rec.id, opScheduled, opPending)
		}
		return
	}
	a.Complete(err)
}

// Complete transitions the operation to Completed with the given error
// (nil for success), wakes any [AsyncBlock.GetStatus] waiters, and posts
// the user's completion callback to the queue's Completion port. It is
// idempotent: only the first call actually completes the record: useful
// when, e.g., a provider's OpCancel handler and an in-flight OpDoWork
// both race to complete the same operation.
func (a *AsyncBlock) Complete(err error) {
	rec := a.record
	for {
		st, _ := rec.state.load()
		if st >= opCompleted {
			return
		}
		if rec.state.tryAdvance(st, opCompleted) {
			logOpStateChange(rec.id, st, opCompleted)
			break
		}
	}

	rec.mu.Lock()
	rec.err = err
	rec.mu.Unlock()
	a.dispatchCompletion()
}

func (a *AsyncBlock) dispatchCompletion() {
	rec := a.record
	finish := func() {
		rec.doneOnce.Do(func() { close(rec.doneCh) })
	}
	if a.OnComplete == nil {
		finish()
		return
	}
	cb := a.OnComplete
	err := a.Queue.SubmitCompletion(func(canceled bool) {
		cb(a)
		finish()
	})
	if err != nil {
		LogError(getGlobalLogger(), "provider", "completion port closed, invoking inline", err, map[string]interface{}{"op_id": rec.id})
		cb(a)
		finish()
	}
}

// GetStatus returns the error the operation completed with (nil on
// success). If wait is false and the operation has not yet completed, it
// returns [ErrPending] immediately. If wait is true, it blocks until the
// completion callback, if any, has returned.
func (a *AsyncBlock) GetStatus(wait bool) error {
	rec := a.record
	if !wait {
		st, _ := rec.state.load()
		if st < opCompleted {
			return ErrPending
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.err
	}
	<-rec.doneCh
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.err
}

// GetResult validates identity against the one supplied to [Begin],
// transitions Completed to ResultConsumed, invokes OpGetResult, then
// invokes OpCleanup (exactly once, ever, for this record) and returns
// whatever the provider stashed via [AsyncBlock.SetResult] alongside the
// completion error. It fails with [ErrInvalidArg] if identity does not
// match, or if the operation has not reached Completed.
func (a *AsyncBlock) GetResult(identity any) (any, error) {
	rec := a.record
	if !identityMatches(identity, rec.identity) {
		return nil, newOpError("GetResult", ErrInvalidArg, nil)
	}
	if !rec.state.tryAdvance(opCompleted, opResultConsumed) {
		return nil, newOpError("GetResult", ErrInvalidArg, nil)
	}
	logOpStateChange(rec.id, opCompleted, opResultConsumed)

	if err := callProvider(OpGetResult, a); err != nil {
		LogWarn(getGlobalLogger(), "provider", "OpGetResult returned an error", map[string]interface{}{"op_id": rec.id, "err": err.Error()})
	}

	rec.mu.Lock()
	result, completionErr := rec.result, rec.err
	rec.mu.Unlock()

	a.runCleanup()
	return result, completionErr
}

// Cancel requests cancellation of an operation that has not yet
// completed, and invokes OpCancel exactly once. Per the cooperative
// cancellation model, Cancel does not itself complete the operation: the
// provider is expected to observe [AsyncBlock.Canceled] from within
// OpDoWork (or synchronously from within its OpCancel handler) and call
// [AsyncBlock.Complete] with [ErrAborted] once its work has actually
// halted. Canceling an operation that has already completed is a no-op
// returning [ErrInvalidArg].
func (a *AsyncBlock) Cancel() error {
	rec := a.record
	st, _ := rec.state.load()
	if st >= opCompleted {
		return newOpError("Cancel", ErrInvalidArg, nil)
	}
	rec.state.requestCancel()
	if rec.cancelInvoked.CompareAndSwap(false, true) {
		if err := callProvider(OpCancel, a); err != nil {
			LogWarn(getGlobalLogger(), "provider", "OpCancel returned an error", map[string]interface{}{"op_id": rec.id, "err": err.Error()})
		}
	}
	return nil
}

// runCleanup invokes OpCleanup exactly once for this record, regardless
// of which path reached it — a failed Begin, or a normal GetResult — and
// decrements the live-provider count.
func (a *AsyncBlock) runCleanup() {
	rec := a.record
	rec.cleanupOnce.Do(func() {
		if err := callProvider(OpCleanup, a); err != nil {
			LogWarn(getGlobalLogger(), "provider", "OpCleanup returned an error", map[string]interface{}{"op_id": rec.id, "err": err.Error()})
		}
		advanceAsyncTo(&rec.state, opCleanedUp)
		logOpStateChange(rec.id, opResultConsumed, opCleanedUp)
		liveProviders.Add(-1)
	})
}
