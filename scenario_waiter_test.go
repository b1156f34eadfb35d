package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestScenario_WaiterAutoReset registers a waiter on a pipe's read end,
// then signals it 5 times in sequence, each signal followed by a drain of
// the pipe so the handle resets to not-ready, as an auto-reset handle
// would. Expected: the waiter callback fires exactly 5 times, in order,
// each within the dispatch latency bound.
func TestScenario_WaiterAutoReset(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(writeFD)

	p := NewPort(ThreadPool)
	defer p.Terminate(context.Background())

	fires := make(chan int, 10)
	seq := 0
	unregister, err := p.RegisterWaiter(Waitable(readFD), EventRead, func(events IOEvents, canceled bool) {
		if canceled {
			return
		}
		var buf [1]byte
		_, _ = unix.Read(readFD, buf[:])
		seq++
		fires <- seq
	})
	if err != nil {
		unix.Close(readFD)
		t.Skipf("waiter registration not supported on this platform: %v", err)
	}
	defer func() { _ = unregister() }()
	defer unix.Close(readFD)

	for i := 1; i <= 5; i++ {
		_, err := unix.Write(writeFD, []byte{byte(i)})
		require.NoError(t, err)

		select {
		case n := <-fires:
			require.Equal(t, i, n)
		case <-time.After(time.Second):
			t.Fatalf("waiter did not fire for signal %d", i)
		}
	}
}
