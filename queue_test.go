package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskQueue_SubmitRunsOnWorkPort(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	var ran atomic.Bool
	require.NoError(t, q.Submit(func(bool) { ran.Store(true) }))
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestTaskQueue_SubmitCompletionRunsOnCompletionPort(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	var ran atomic.Bool
	require.NoError(t, q.SubmitCompletion(func(bool) { ran.Store(true) }))
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestTaskQueue_RegisterMonitorObservesBothPorts(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	var mu sync.Mutex
	var events []QueueEvent
	unregister := q.RegisterMonitor(func(ev QueueEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unregister()

	require.NoError(t, q.Submit(func(bool) {}))
	require.NoError(t, q.SubmitCompletion(func(bool) {}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, q.Work, events[0].Port)
	require.Equal(t, EventSubmitted, events[0].Kind)
	require.Equal(t, q.Completion, events[2].Port)
	require.Equal(t, EventSubmitted, events[2].Kind)
}

func TestTaskQueue_UnregisterMonitorStopsNotifications(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	var count atomic.Int32
	unregister := q.RegisterMonitor(func(QueueEvent) { count.Add(1) })
	unregister()
	unregister() // must be safe to call twice

	require.NoError(t, q.Submit(func(bool) {}))
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, count.Load())
}

func TestTaskQueue_TerminateDrainsWorkThenCompletion(t *testing.T) {
	q, err := New()
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	require.NoError(t, q.Submit(func(bool) {
		mu.Lock()
		order = append(order, "work")
		mu.Unlock()
	}))
	require.NoError(t, q.SubmitCompletion(func(bool) {
		mu.Lock()
		order = append(order, "completion")
		mu.Unlock()
	}))

	require.NoError(t, q.Terminate(context.Background(), true))
	require.Equal(t, PortTerminated, q.Work.Status())
	require.Equal(t, PortTerminated, q.Completion.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"work", "completion"}, order)
}

func TestCompositeTaskQueue_TerminateOnlyDetaches(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	composite := NewCompositeTaskQueue(q.Work, q.Completion)
	composite.Terminate()

	require.Equal(t, PortActive, q.Work.Status())
	require.Equal(t, PortActive, q.Completion.Status())

	var ran atomic.Bool
	require.NoError(t, q.Submit(func(bool) { ran.Store(true) }))
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestCompositeTaskQueue_SubmitReachesUnderlyingPorts(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	composite := NewCompositeTaskQueue(q.Work, q.Completion)
	defer composite.Terminate()

	var workRan, complRan atomic.Bool
	require.NoError(t, composite.Submit(func(bool) { workRan.Store(true) }))
	require.NoError(t, composite.SubmitCompletion(func(bool) { complRan.Store(true) }))

	require.Eventually(t, workRan.Load, time.Second, time.Millisecond)
	require.Eventually(t, complRan.Load, time.Second, time.Millisecond)
}

func TestProcessTaskQueue_InitOnceAndReset(t *testing.T) {
	ResetProcessTaskQueue()
	defer ResetProcessTaskQueue()

	_, err := ProcessTaskQueue()
	require.ErrorIs(t, err, ErrNoTaskQueue)

	q1, err := InitProcessTaskQueue()
	require.NoError(t, err)
	defer q1.Terminate(context.Background(), true)

	q2, err := InitProcessTaskQueue()
	require.NoError(t, err)
	require.Same(t, q1, q2)

	got, err := ProcessTaskQueue()
	require.NoError(t, err)
	require.Same(t, q1, got)

	ResetProcessTaskQueue()
	_, err = ProcessTaskQueue()
	require.ErrorIs(t, err, ErrNoTaskQueue)
}

func TestTaskQueue_WithOverloadHandlerFiresOnSaturation(t *testing.T) {
	var calls atomic.Int32
	q, err := New(WithOverloadHandler(func(error) { calls.Add(1) }))
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	block := make(chan struct{})
	// Saturate the work port's small worker pool and its channel buffer
	// by submitting more blocking tasks than it can hold.
	for i := 0; i < 8200; i++ {
		_ = q.Submit(func(bool) { <-block })
	}
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
	close(block)
}
