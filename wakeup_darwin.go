//go:build darwin

package taskqueue

import "golang.org/x/sys/unix"

// createWakeFD creates a self-pipe used to interrupt a blocked
// [FastPoller.Run] promptly instead of waiting out its poll timeout.
// Darwin's kqueue has no eventfd equivalent, so a non-blocking pipe
// stands in for it.
func createWakeFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func writeWakeByte(fd int) error {
	_, err := unix.Write(fd, []byte{1})
	return err
}

func drainWakeFD(fd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func closeWakeFD(readFD, writeFD int) {
	_ = unix.Close(readFD)
	if writeFD != readFD {
		_ = unix.Close(writeFD)
	}
}
