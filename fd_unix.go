//go:build linux || darwin

package taskqueue

// wakeSignal lets [FastPoller.Close] interrupt a [FastPoller.Run] that is
// blocked in its poll syscall, instead of waiting out the poll timeout.
// It wraps the platform-specific eventfd (Linux) or self-pipe (Darwin)
// built by createWakeFD.
type wakeSignal struct {
	readFD, writeFD int
}

func newWakeSignal() (*wakeSignal, error) {
	r, w, err := createWakeFD()
	if err != nil {
		return nil, err
	}
	return &wakeSignal{readFD: r, writeFD: w}, nil
}

// wake writes a single notification, waking anything blocked polling
// readFD. It is safe to call more than once before the reader drains.
func (s *wakeSignal) wake() {
	if s == nil {
		return
	}
	_ = writeWakeByte(s.writeFD)
}

// drain consumes any pending notifications so repeated wakes coalesce
// into at most one poll-loop iteration.
func (s *wakeSignal) drain() {
	if s == nil {
		return
	}
	drainWakeFD(s.readFD)
}

func (s *wakeSignal) close() {
	if s == nil {
		return
	}
	closeWakeFD(s.readFD, s.writeFD)
}
