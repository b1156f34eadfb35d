package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPort_SubmitImmediateRunsInline(t *testing.T) {
	p := NewPort(Immediate)
	var ran atomic.Bool
	require.NoError(t, p.Submit(func(canceled bool) { ran.Store(!canceled) }))
	require.True(t, ran.Load())
}

func TestPort_SubmitManualRequiresDispatchOne(t *testing.T) {
	p := NewPort(Manual)
	var ran atomic.Bool
	require.NoError(t, p.Submit(func(canceled bool) { ran.Store(!canceled) }))
	require.False(t, ran.Load())

	dispatched, err := p.DispatchOne()
	require.NoError(t, err)
	require.True(t, dispatched)
	require.True(t, ran.Load())

	dispatched, err = p.DispatchOne()
	require.NoError(t, err)
	require.False(t, dispatched)
}

func TestPort_SubmitThreadPoolRunsConcurrently(t *testing.T) {
	p := NewPort(ThreadPool)
	defer p.Terminate(context.Background())

	var wg sync.WaitGroup
	wg.Add(10)
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(bool) {
			count.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	require.EqualValues(t, 10, count.Load())
}

func TestPort_SerializedThreadPoolNeverOverlaps(t *testing.T) {
	p := NewPort(SerializedThreadPool)
	defer p.Terminate(context.Background())

	var running atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func(bool) {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			wg.Done()
		}))
	}
	wg.Wait()
	require.False(t, overlapped.Load())
}

func TestPort_SubmitDelayedWaitsOutDeadline(t *testing.T) {
	p := NewPort(ThreadPool)
	defer p.Terminate(context.Background())

	start := time.Now()
	done := make(chan time.Time, 1)
	require.NoError(t, p.SubmitDelayed(func(bool) { done <- time.Now() }, 30*time.Millisecond))

	select {
	case fired := <-done:
		require.GreaterOrEqual(t, fired.Sub(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed callback never ran")
	}
}

func TestPort_CancelInvokesQueuedEntryCanceled(t *testing.T) {
	p := NewPort(Manual)
	var ran atomic.Bool
	var wasCanceled atomic.Bool
	require.NoError(t, p.Submit(func(canceled bool) {
		ran.Store(true)
		wasCanceled.Store(canceled)
	}))
	p.Cancel()
	require.Equal(t, PortCanceled, p.Status())

	// The entry is invoked immediately by Cancel (via dropQueued), not left
	// for DispatchOne to pick up.
	require.True(t, ran.Load())
	require.True(t, wasCanceled.Load())

	dispatched, err := p.DispatchOne()
	require.NoError(t, err)
	require.False(t, dispatched)
}

func TestPort_CancelIsIdempotent(t *testing.T) {
	p := NewPort(Manual)
	p.Cancel()
	p.Cancel()
	require.Equal(t, PortCanceled, p.Status())
}

func TestPort_SubmitAfterTerminateFailsClosed(t *testing.T) {
	p := NewPort(ThreadPool)
	require.NoError(t, p.Terminate(context.Background()))
	err := p.Submit(func(bool) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestPort_TerminateWaitsForInFlight(t *testing.T) {
	p := NewPort(ThreadPool)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(func(bool) {
		close(started)
		<-release
	}))
	<-started

	termDone := make(chan error, 1)
	go func() { termDone <- p.Terminate(context.Background()) }()

	select {
	case <-termDone:
		t.Fatal("Terminate returned before in-flight callback finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-termDone)
	require.Equal(t, PortTerminated, p.Status())
}

func TestPort_SuspendResumeGatesThreadPoolDispatch(t *testing.T) {
	p := NewPort(ThreadPool)
	defer p.Terminate(context.Background())

	p.Suspend()
	var ran atomic.Bool
	require.NoError(t, p.Submit(func(bool) { ran.Store(true) }))
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load())

	p.Resume()
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestPort_AttachDetachIsolatesComposite(t *testing.T) {
	p := NewPort(Manual)
	a1 := p.Attach()
	a2 := p.Attach()
	require.Len(t, p.attachments, 2)
	a1.Detach()
	require.Len(t, p.attachments, 1)
	a2.Detach()
	require.Len(t, p.attachments, 0)
}
