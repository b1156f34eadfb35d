package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScenario_CancelDuringDoWork submits a slow factorial-style async
// (500ms per OpDoWork iteration) and cancels it 100ms in, confirming the
// cooperative-cancellation contract: GetStatus(wait=true) observes
// Aborted, OpCancel was seen, and the completion callback is invoked with
// the same Aborted error.
func TestScenario_CancelDuringDoWork(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	var sawCancelOp, sawCleanup bool
	completionErrCh := make(chan error, 1)

	provider := func(op Opcode, async *AsyncBlock) error {
		switch op {
		case OpDoWork:
			deadline := time.Now().Add(500 * time.Millisecond)
			for time.Now().Before(deadline) {
				if async.Canceled() {
					return ErrAborted
				}
				time.Sleep(time.Millisecond)
			}
			async.SetResult(120)
			return nil
		case OpCancel:
			sawCancelOp = true
			return nil
		case OpCleanup:
			sawCleanup = true
			return nil
		default:
			return nil
		}
	}

	async, err := Begin(q, nil, "cancel-scenario", "cancel-scenario", provider, func(a *AsyncBlock) {
		completionErrCh <- a.GetStatus(false)
	})
	require.NoError(t, err)
	require.NoError(t, async.Schedule(0))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, async.Cancel())

	err = async.GetStatus(true)
	require.ErrorIs(t, err, ErrAborted)
	require.True(t, sawCancelOp)

	select {
	case completionErr := <-completionErrCh:
		require.ErrorIs(t, completionErr, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}

	_, _ = async.GetResult("cancel-scenario")
	require.True(t, sawCleanup)
}
