package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var httpCallIDSeq atomic.Int64
var wsHandleIDSeq atomic.Int64

// cleanupPollInterval is how often Tracker.Cleanup's DoWork rechecks
// whether the three lifecycle sets have drained, when they have not yet
// done so on the previous attempt.
const cleanupPollInterval = 20 * time.Millisecond

// HTTPCall is an opaque identity/result carrier for one HTTP call. The
// tracker never inspects its fields beyond identity; adapters above it
// may embed request/response state in a wrapper type of their own and
// pass that in as the async operation's user context instead.
type HTTPCall struct {
	id int64
}

// NewHTTPCall constructs a fresh, process-unique HTTPCall handle.
func NewHTTPCall() *HTTPCall {
	return &HTTPCall{id: httpCallIDSeq.Add(1)}
}

// ID returns a process-unique identifier for this call.
func (c *HTTPCall) ID() int64 { return c.id }

// WebSocketHandle is an opaque identity/result carrier for one WebSocket
// connection.
type WebSocketHandle struct {
	id int64
}

// NewWebSocketHandle constructs a fresh, process-unique WebSocketHandle.
func NewWebSocketHandle() *WebSocketHandle {
	return &WebSocketHandle{id: wsHandleIDSeq.Add(1)}
}

// ID returns a process-unique identifier for this handle.
func (w *WebSocketHandle) ID() int64 { return w.id }

// HTTPProvider performs the actual network work behind [Tracker.HTTPCallPerform].
type HTTPProvider interface {
	Perform(ctx context.Context, call *HTTPCall, async *AsyncBlock) error
	Cleanup(ctx context.Context, async *AsyncBlock) error
}

// WebSocketProvider performs the actual network work behind
// [Tracker.WebSocketConnect] and the send/disconnect verbs reachable
// through its connected handles.
type WebSocketProvider interface {
	Connect(ctx context.Context, uri, subprotocol string, ws *WebSocketHandle, async *AsyncBlock) error
	SendText(ctx context.Context, ws *WebSocketHandle, msg string, async *AsyncBlock) error
	SendBinary(ctx context.Context, ws *WebSocketHandle, data []byte, async *AsyncBlock) error
	Disconnect(ctx context.Context, ws *WebSocketHandle, closeStatus int) error
}

// Tracker wraps an [HTTPProvider] and an optional [WebSocketProvider],
// tracking which calls and connections are in flight so that
// [Tracker.Cleanup] can drain them before tearing down the underlying
// provider. It mirrors the Network Lifecycle Set: active-http,
// connecting, and connected.
type Tracker struct {
	queue *TaskQueue
	http  HTTPProvider
	ws    WebSocketProvider

	mu             sync.Mutex
	activeHTTP     map[*AsyncBlock]*HTTPCall
	connecting     map[*AsyncBlock]*WebSocketHandle
	connected      map[*WebSocketHandle]*AsyncBlock
	cleanupPending bool
	cleanupAsync   *AsyncBlock
}

// NewTracker constructs a Tracker over queue, delegating HTTP calls to
// http and, if ws is non-nil, WebSocket connections to ws.
func NewTracker(queue *TaskQueue, http HTTPProvider, ws WebSocketProvider) *Tracker {
	return &Tracker{
		queue:      queue,
		http:       http,
		ws:         ws,
		activeHTTP: make(map[*AsyncBlock]*HTTPCall),
		connecting: make(map[*AsyncBlock]*WebSocketHandle),
		connected:  make(map[*WebSocketHandle]*AsyncBlock),
	}
}

// driveGetResult wraps a caller's completion callback so that, once it
// returns, GetResult is called on the caller's behalf with identity —
// guaranteeing Cleanup always fires for operations the tracker launches
// internally, regardless of whether the caller's own callback bothers to
// retrieve the result.
func driveGetResult(identity any, onComplete func(*AsyncBlock)) func(*AsyncBlock) {
	return func(async *AsyncBlock) {
		if onComplete != nil {
			onComplete(async)
		}
		_, _ = async.GetResult(identity)
	}
}

func (t *Tracker) setsEmpty() bool {
	return len(t.activeHTTP) == 0 && len(t.connecting) == 0 && len(t.connected) == 0
}

// HTTPCallPerform launches an async operation whose DoWork delegates to
// the underlying HTTPProvider's Perform. call is tracked in active-http
// from Begin until Cleanup. The operation runs on an internal composite
// queue so its work and completion stay on the tracker's own Work port
// while still being individually cancelable.
func (t *Tracker) HTTPCallPerform(ctx context.Context, call *HTTPCall, userCtx any, onComplete func(*AsyncBlock)) (*AsyncBlock, error) {
	inner := NewCompositeTaskQueue(t.queue.Work, t.queue.Work)

	provider := func(op Opcode, async *AsyncBlock) error {
		switch op {
		case OpBegin:
			t.mu.Lock()
			t.activeHTTP[async] = call
			t.mu.Unlock()
			return nil
		case OpDoWork:
			return t.http.Perform(ctx, call, async)
		case OpCancel:
			return nil
		case OpCleanup:
			t.mu.Lock()
			delete(t.activeHTTP, async)
			empty := t.setsEmpty()
			t.mu.Unlock()
			inner.Terminate()
			if empty {
				t.maybeAdvanceCleanup()
			}
			return nil
		default:
			return nil
		}
	}

	async, err := Begin(inner, userCtx, call, "HTTPCall", provider, driveGetResult(call, onComplete))
	if err != nil {
		inner.Terminate()
		return nil, err
	}
	if err := async.Schedule(0); err != nil {
		return nil, err
	}
	return async, nil
}

// WebSocketConnect launches an async operation whose DoWork delegates to
// the underlying WebSocketProvider's Connect. ws is tracked in
// connecting from Begin; if the connect succeeds, ws moves into
// connected, unless a [Tracker.Cleanup] is already in flight, in which
// case ws is disconnected instead. A failed connect leaves the tracker's
// sets unaffected.
func (t *Tracker) WebSocketConnect(ctx context.Context, uri, subprotocol string, ws *WebSocketHandle, userCtx any, onComplete func(*AsyncBlock)) (*AsyncBlock, error) {
	inner := NewCompositeTaskQueue(t.queue.Work, t.queue.Completion)

	provider := func(op Opcode, async *AsyncBlock) error {
		switch op {
		case OpBegin:
			t.mu.Lock()
			t.connecting[async] = ws
			t.mu.Unlock()
			return nil
		case OpDoWork:
			return t.ws.Connect(ctx, uri, subprotocol, ws, async)
		case OpCancel:
			return nil
		case OpCleanup:
			t.mu.Lock()
			delete(t.connecting, async)
			succeeded := async.GetStatus(false) == nil
			pending := t.cleanupPending
			if succeeded && !pending {
				t.connected[ws] = async
			}
			empty := t.setsEmpty()
			t.mu.Unlock()
			inner.Terminate()
			if succeeded && pending {
				// Cleanup had already started observing the connected
				// set by the time this connect finished: adding ws here
				// would strand it forever behind Cleanup's DoWork poll,
				// so disconnect it immediately instead.
				go func() { _ = t.ws.Disconnect(ctx, ws, 1000) }()
			}
			if empty {
				t.maybeAdvanceCleanup()
			}
			return nil
		default:
			return nil
		}
	}

	async, err := Begin(inner, userCtx, ws, "WebSocketConnect", provider, driveGetResult(ws, onComplete))
	if err != nil {
		inner.Terminate()
		return nil, err
	}
	if err := async.Schedule(0); err != nil {
		return nil, err
	}
	return async, nil
}

// WebSocketClosed removes ws from the connected set, following a close
// event observed by the adapter above the tracker (e.g. the wsadapter
// package watching the underlying connection). It is idempotent.
func (t *Tracker) WebSocketClosed(ws *WebSocketHandle) {
	t.mu.Lock()
	delete(t.connected, ws)
	empty := t.setsEmpty()
	t.mu.Unlock()
	if empty {
		t.maybeAdvanceCleanup()
	}
}

// Cleanup launches an async operation that cancels every entry in
// active-http, requests disconnect on every entry in connected, waits
// until all three sets are empty, invokes the underlying HTTPProvider's
// own Cleanup, and finally completes. It fails with [ErrAccessDenied] if
// a cleanup is already in flight.
func (t *Tracker) Cleanup(ctx context.Context, userCtx any, onComplete func(*AsyncBlock)) (*AsyncBlock, error) {
	t.mu.Lock()
	if t.cleanupPending {
		t.mu.Unlock()
		return nil, newOpError("Cleanup", ErrAccessDenied, nil)
	}
	t.cleanupPending = true
	t.mu.Unlock()

	var providerCleaned bool
	provider := func(op Opcode, async *AsyncBlock) error {
		switch op {
		case OpBegin:
			t.mu.Lock()
			for owner := range t.activeHTTP {
				owner := owner
				go func() { _ = owner.Cancel() }()
			}
			for ws := range t.connected {
				ws := ws
				go func() { _ = t.ws.Disconnect(ctx, ws, 1000) }()
			}
			t.mu.Unlock()
			return nil
		case OpDoWork:
			t.mu.Lock()
			empty := t.setsEmpty()
			runProviderCleanup := empty && !providerCleaned
			if runProviderCleanup {
				providerCleaned = true
			}
			t.mu.Unlock()
			if runProviderCleanup {
				return t.http.Cleanup(ctx, async)
			}
			if empty {
				return ErrPending
			}
			_ = async.Reschedule(cleanupPollInterval)
			return ErrPending
		case OpCleanup:
			t.mu.Lock()
			t.cleanupPending = false
			t.cleanupAsync = nil
			t.mu.Unlock()
			return nil
		default:
			return nil
		}
	}

	async, err := Begin(t.queue, userCtx, t, "TrackerCleanup", provider, driveGetResult(t, onComplete))
	if err != nil {
		t.mu.Lock()
		t.cleanupPending = false
		t.mu.Unlock()
		return nil, err
	}

	t.mu.Lock()
	t.cleanupAsync = async
	t.mu.Unlock()

	if err := async.Schedule(0); err != nil {
		return nil, err
	}
	return async, nil
}

// maybeAdvanceCleanup wakes a pending Cleanup operation once the last of
// the three lifecycle sets has emptied; it is a no-op if no Cleanup is in
// flight.
func (t *Tracker) maybeAdvanceCleanup() {
	t.mu.Lock()
	async := t.cleanupAsync
	t.mu.Unlock()
	if async == nil {
		return
	}
	_ = async.Reschedule(0)
}
