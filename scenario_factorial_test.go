package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScenario_FactorialAsync drives a single async operation through five
// successive OpDoWork reschedules, each 100ms apart, computing 5! via
// repeated multiplication. It exercises the full Initial->Scheduled->
// Pending(x5)->Completed status progression and confirms Cleanup fires
// exactly once.
func TestScenario_FactorialAsync(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	defer q.Terminate(context.Background(), true)

	const n = 5
	var product, remaining int
	var cleanups int
	provider := func(op Opcode, async *AsyncBlock) error {
		switch op {
		case OpBegin:
			product = 1
			remaining = n
			return nil
		case OpDoWork:
			if remaining == 0 {
				async.SetResult(product)
				return nil
			}
			product *= remaining
			remaining--
			require.NoError(t, async.Reschedule(100*time.Millisecond))
			return ErrPending
		case OpCleanup:
			cleanups++
			return nil
		default:
			return nil
		}
	}

	start := time.Now()
	async, err := Begin(q, nil, "factorial", "factorial", provider, nil)
	require.NoError(t, err)
	require.NoError(t, async.Schedule(0))

	require.NoError(t, async.GetStatus(true))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)

	result, err := async.GetResult("factorial")
	require.NoError(t, err)
	require.Equal(t, 120, result)
	require.Equal(t, 1, cleanups)
}
