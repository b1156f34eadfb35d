// Package taskqueue implements the asynchronous execution substrate shared by
// HTTP and WebSocket client libraries: a task queue with two independent
// dispatch ports, an async-operation provider state machine layered on top of
// it, and a network lifecycle tracker that drains in-flight HTTP calls and
// WebSocket connections before a client shuts down.
//
// # Task Queue
//
// A [TaskQueue] owns two [Port] values, Work and Completion, each with its
// own dispatch policy ([Manual], [ThreadPool], [SerializedThreadPool], or
// [Immediate]). Callers submit callbacks via [TaskQueue.Submit] and
// [TaskQueue.SubmitDelayed]; a [Port] parks delayed submissions until their
// deadline, schedules ready ones according to its dispatch policy, and
// terminates in two phases (status advances from Active to Canceled to
// Terminating to Terminated, never regressing).
//
// # Async Provider
//
// [Begin] starts a single logical async operation against an [AsyncBlock]: a
// caller-owned record carrying the owning [TaskQueue], a user context, and a
// completion callback. The supplied provider function is driven through the
// opcodes Begin, DoWork, GetResult, Cancel, and Cleanup; [OpCleanup] is
// guaranteed to run exactly once, last, regardless of how the operation ends.
//
// # Network Lifecycle Tracker
//
// A [Tracker] wraps an [HTTPProvider] and, optionally, a [WebSocketProvider],
// and tracks every HTTP call and WebSocket connection started through it so
// that [Tracker.Cleanup] can cancel the former, disconnect the latter, and
// only release the underlying providers once both sets have drained.
//
// # Platform Support
//
// Waitable-handle registration ([Port.RegisterWaiter]) is backed by epoll on
// Linux and kqueue on Darwin. On other platforms it fails with
// [ErrNotSupported].
//
// # Thread Safety
//
// Every exported type is safe for concurrent use by multiple goroutines
// unless its documentation says otherwise. [TaskQueue.Submit] and
// [TaskQueue.SubmitDelayed] are lock-light: they append to a chunked queue
// (or, for a delayed entry, a deadline heap) under a short-held mutex and
// do not block on dispatch, except that Submit on an [Immediate] port runs
// the callback inline before returning.
//
// # Usage
//
//	tq, err := taskqueue.New(taskqueue.WithWorkDispatch(taskqueue.ThreadPool))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tq.Terminate(context.Background(), true)
//
//	tq.Submit(func(canceled bool) {
//	    if !canceled {
//	        fmt.Println("running on the work port")
//	    }
//	})
package taskqueue
