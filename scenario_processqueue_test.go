package taskqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScenario_ProcessQueueNonClosability obtains the process-wide
// default queue and attempts to Terminate (close) it 5 times in a row.
// Expected: every attempt fails with AccessDenied and the queue remains
// usable throughout — a subsequent submission still succeeds and runs.
func TestScenario_ProcessQueueNonClosability(t *testing.T) {
	ResetProcessTaskQueue()
	defer ResetProcessTaskQueue()

	q, err := InitProcessTaskQueue()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := q.Terminate(context.Background(), true)
		require.ErrorIs(t, err, ErrAccessDenied)
	}

	var ran atomic.Bool
	require.NoError(t, q.Submit(func(bool) { ran.Store(true) }))
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}
