//go:build linux

package taskqueue

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs is the maximum file descriptor we support with direct indexing.
const maxFDs = 65536

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// FastPoller manages I/O event registration using epoll (Linux).
//
// Uses direct array indexing instead of a map for O(1) lookup, and an
// RWMutex for thread-safe access to the fds array; the poll syscall itself
// runs without holding the lock.
type FastPoller struct { // betteralign:ignore
	_        [64]byte             //nolint:unused
	epfd     int32                // epoll file descriptor
	_        [60]byte             //nolint:unused
	version  atomic.Uint64        // version counter for consistency
	_        [56]byte             //nolint:unused
	eventBuf [256]unix.EpollEvent // preallocated event buffer
	fds      [maxFDs]fdInfo       // direct indexing, no map
	fdMu     sync.RWMutex         // protects fds array access
	closed   atomic.Bool
	wake     *wakeSignal
}

// newOSWaiter constructs the Linux osWaiter backend.
func newOSWaiter() (osWaiter, error) {
	return &FastPoller{}, nil
}

// Init initializes the epoll instance.
func (p *FastPoller) Init() error {
	if p.closed.Load() {
		return ErrWaiterClosed
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)

	wake, err := newWakeSignal()
	if err != nil {
		unix.Close(epfd)
		return err
	}
	p.wake = wake
	if err := p.RegisterFD(wake.readFD, EventRead, func(IOEvents) { wake.drain() }); err != nil {
		wake.close()
		unix.Close(epfd)
		return err
	}
	return nil
}

// Close closes the epoll instance, first waking any blocked Run loop.
func (p *FastPoller) Close() error {
	p.closed.Store(true)
	p.wake.wake()
	p.wake.close()
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

// RegisterFD registers a file descriptor for I/O event monitoring.
func (p *FastPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrWaiterClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}

	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
func (p *FastPoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *FastPoller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// PollIO polls for I/O events once, dispatching any ready callbacks.
func (p *FastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrWaiterClosed
	}

	v := p.version.Load()

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if p.version.Load() != v {
		// Registrations changed mid-syscall; discard this batch rather
		// than risk dispatching against a stale fd slot.
		return 0, nil
	}

	p.dispatchEvents(n)
	return n, nil
}

// Run drives PollIO in a loop until stop is closed. It blocks
// indefinitely between events rather than polling on a timer: Close
// writes to the wake fd registered during Init, which interrupts the
// syscall promptly.
func (p *FastPoller) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if _, err := p.PollIO(-1); err != nil {
			if p.closed.Load() {
				return
			}
			logWaiterError(err, false)
		}
		if p.closed.Load() {
			return
		}
	}
}

func (p *FastPoller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd >= 0 && fd < maxFDs {
			p.fdMu.RLock()
			info := p.fds[fd]
			p.fdMu.RUnlock()

			if info.active && info.callback != nil {
				info.callback(epollToEvents(p.eventBuf[i].Events))
			}
		}
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
