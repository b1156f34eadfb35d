package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHTTPProvider struct {
	mu        sync.Mutex
	performed []int64
	cleanedUp atomic.Bool
	block     chan struct{}
}

func newFakeHTTPProvider() *fakeHTTPProvider {
	return &fakeHTTPProvider{block: make(chan struct{})}
}

func (f *fakeHTTPProvider) Perform(ctx context.Context, call *HTTPCall, async *AsyncBlock) error {
	f.mu.Lock()
	f.performed = append(f.performed, call.ID())
	f.mu.Unlock()
	<-f.block
	async.SetResult("response")
	return nil
}

func (f *fakeHTTPProvider) Cleanup(ctx context.Context, async *AsyncBlock) error {
	f.cleanedUp.Store(true)
	return nil
}

type fakeWSProvider struct {
	mu            sync.Mutex
	disconnected  []*WebSocketHandle
	connectErr    error
}

func (f *fakeWSProvider) Connect(ctx context.Context, uri, subprotocol string, ws *WebSocketHandle, async *AsyncBlock) error {
	return f.connectErr
}

func (f *fakeWSProvider) SendText(ctx context.Context, ws *WebSocketHandle, msg string, async *AsyncBlock) error {
	return nil
}

func (f *fakeWSProvider) SendBinary(ctx context.Context, ws *WebSocketHandle, data []byte, async *AsyncBlock) error {
	return nil
}

func (f *fakeWSProvider) Disconnect(ctx context.Context, ws *WebSocketHandle, closeStatus int) error {
	f.mu.Lock()
	f.disconnected = append(f.disconnected, ws)
	f.mu.Unlock()
	return nil
}

func TestTracker_HTTPCallPerformTracksAndCleansUp(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	http := newFakeHTTPProvider()
	tr := NewTracker(q, http, nil)

	call := NewHTTPCall()
	completed := make(chan struct{})
	_, err = tr.HTTPCallPerform(context.Background(), call, nil, func(a *AsyncBlock) {
		close(completed)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		http.mu.Lock()
		defer http.mu.Unlock()
		return len(http.performed) == 1
	}, time.Second, time.Millisecond)

	tr.mu.Lock()
	inFlight := len(tr.activeHTTP)
	tr.mu.Unlock()
	require.Equal(t, 1, inFlight)

	close(http.block)
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("onComplete never fired")
	}

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.activeHTTP) == 0
	}, time.Second, time.Millisecond)
}

func TestTracker_WebSocketConnectSuccessTracksConnected(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	ws := &fakeWSProvider{}
	tr := NewTracker(q, newFakeHTTPProvider(), ws)

	handle := NewWebSocketHandle()
	completed := make(chan struct{})
	_, err = tr.WebSocketConnect(context.Background(), "ws://example.test", "", handle, nil, func(a *AsyncBlock) {
		close(completed)
	})
	require.NoError(t, err)

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("connect never completed")
	}

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		_, ok := tr.connected[handle]
		return ok
	}, time.Second, time.Millisecond)
}

func TestTracker_WebSocketConnectFailureLeavesSetsEmpty(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	boom := require.New(t)
	ws := &fakeWSProvider{connectErr: errConnectFailed}
	tr := NewTracker(q, newFakeHTTPProvider(), ws)

	handle := NewWebSocketHandle()
	completed := make(chan struct{})
	_, err = tr.WebSocketConnect(context.Background(), "ws://example.test", "", handle, nil, func(a *AsyncBlock) {
		close(completed)
	})
	boom.NoError(err)

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("connect never completed")
	}

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.connecting) == 0 && len(tr.connected) == 0
	}, time.Second, time.Millisecond)
}

func TestTracker_CleanupDrainsActiveHTTPBeforeCompleting(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	http := newFakeHTTPProvider()
	tr := NewTracker(q, http, nil)

	call := NewHTTPCall()
	_, err = tr.HTTPCallPerform(context.Background(), call, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		http.mu.Lock()
		defer http.mu.Unlock()
		return len(http.performed) == 1
	}, time.Second, time.Millisecond)

	cleanupDone := make(chan struct{})
	_, err = tr.Cleanup(context.Background(), nil, func(a *AsyncBlock) {
		close(cleanupDone)
	})
	require.NoError(t, err)

	select {
	case <-cleanupDone:
		t.Fatal("cleanup completed before the in-flight HTTP call finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(http.block)
	select {
	case <-cleanupDone:
	case <-time.After(time.Second):
		t.Fatal("cleanup never completed after the HTTP call drained")
	}
	require.True(t, http.cleanedUp.Load())
}

func TestTracker_CleanupRejectsConcurrentCall(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	http := newFakeHTTPProvider()
	close(http.block)
	tr := NewTracker(q, http, nil)

	_, err = tr.Cleanup(context.Background(), nil, nil)
	require.NoError(t, err)

	_, err = tr.Cleanup(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrAccessDenied)
}

var errConnectFailed = &OpError{Op: "Connect", Err: ErrUnexpected}
