//go:build darwin

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

// FastPoller manages I/O event registration using kqueue (Darwin).
type FastPoller struct { // betteralign:ignore
	_        [64]byte           //nolint:unused
	kq       int32              // kqueue file descriptor
	_        [60]byte           //nolint:unused
	eventBuf [256]unix.Kevent_t // preallocated event buffer
	fds      []fdInfo           // dynamic slice, grows on demand
	fdMu     sync.RWMutex       // protects fds array access
	closed   atomic.Bool
	wake     *wakeSignal
}

// newOSWaiter constructs the Darwin osWaiter backend.
func newOSWaiter() (osWaiter, error) {
	return &FastPoller{}, nil
}

// Init initializes the kqueue instance.
func (p *FastPoller) Init() error {
	if p.closed.Load() {
		return ErrWaiterClosed
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	p.fds = make([]fdInfo, maxFDs)

	wake, err := newWakeSignal()
	if err != nil {
		unix.Close(kq)
		return err
	}
	p.wake = wake
	if err := p.RegisterFD(wake.readFD, EventRead, func(IOEvents) { wake.drain() }); err != nil {
		wake.close()
		unix.Close(kq)
		return err
	}
	return nil
}

// Close closes the kqueue instance, first waking any blocked Run loop.
func (p *FastPoller) Close() error {
	p.closed.Store(true)
	p.wake.wake()
	p.wake.close()
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

// RegisterFD registers a file descriptor for I/O event monitoring.
func (p *FastPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrWaiterClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) {
		newFds := make([]fdInfo, fd*2+1)
		copy(newFds, p.fds)
		p.fds = newFds
	}
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fdMu.Lock()
			p.fds[fd] = fdInfo{}
			p.fdMu.Unlock()
			return err
		}
	}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
func (p *FastPoller) UnregisterFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	events := p.fds[fd].events
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_DELETE)
	if len(kevents) > 0 {
		unix.Kevent(int(p.kq), kevents, nil, nil)
	}
	return nil
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *FastPoller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	oldEvents := p.fds[fd].events
	p.fds[fd].events = events
	p.fdMu.Unlock()

	if oldEvents&^events != 0 {
		if del := eventsToKevents(fd, oldEvents&^events, unix.EV_DELETE); len(del) > 0 {
			unix.Kevent(int(p.kq), del, nil, nil)
		}
	}
	if events&^oldEvents != 0 {
		add := eventsToKevents(fd, events&^oldEvents, unix.EV_ADD|unix.EV_ENABLE)
		if len(add) > 0 {
			if _, err := unix.Kevent(int(p.kq), add, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// PollIO polls for I/O events once, dispatching any ready callbacks.
func (p *FastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrWaiterClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
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
		fd := int(p.eventBuf[i].Ident)
		if fd < 0 {
			continue
		}

		p.fdMu.RLock()
		var info fdInfo
		if fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()

		if info.active && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
