package taskqueue

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenario_CompositeTerminationIsolation creates queue Q, two
// composites C1 and C2 over Q's Work port, submits one callback through
// each, then terminates C1 before either callback is dispatched.
// Expected: C1's entry callback still runs, but with canceled=true instead
// of doing its real work; C2's callback is unaffected and runs normally;
// Q still accepts and runs new submissions.
func TestScenario_CompositeTerminationIsolation(t *testing.T) {
	// Manual dispatch makes the scenario deterministic: entries only run
	// when DispatchOne is explicitly called, so terminating C1 always
	// happens strictly before its entry could possibly be dispatched.
	q, err := New(WithWorkDispatch(Manual), WithCompletionDispatch(Manual))
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	c1 := NewCompositeTaskQueue(q.Work, q.Completion)
	c2 := NewCompositeTaskQueue(q.Work, q.Completion)

	var c1Ran, c1Canceled, c2Ran, c2Canceled atomic.Bool
	require.NoError(t, c1.Submit(func(canceled bool) {
		c1Ran.Store(true)
		c1Canceled.Store(canceled)
	}))
	require.NoError(t, c2.Submit(func(canceled bool) {
		c2Ran.Store(true)
		c2Canceled.Store(canceled)
	}))

	c1.Terminate()

	// Drain both queued entries: C1's runs with canceled=true, C2's runs
	// normally.
	for i := 0; i < 2; i++ {
		dispatched, err := q.Work.DispatchOne()
		require.NoError(t, err)
		if !dispatched {
			break
		}
	}

	require.True(t, c1Ran.Load(), "C1's entry callback must still be invoked exactly once")
	require.True(t, c1Canceled.Load(), "C1's entry should have been invoked with canceled=true")
	require.True(t, c2Ran.Load(), "C2's entry should be unaffected by C1's termination")
	require.False(t, c2Canceled.Load(), "C2's entry should run with canceled=false")

	var qRan atomic.Bool
	require.NoError(t, q.Submit(func(bool) { qRan.Store(true) }))
	dispatched, err := q.Work.DispatchOne()
	require.NoError(t, err)
	require.True(t, dispatched)
	require.True(t, qRan.Load())
}
