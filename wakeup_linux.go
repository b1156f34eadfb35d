//go:build linux

package taskqueue

import "golang.org/x/sys/unix"

// createWakeFD creates an eventfd used to interrupt a blocked
// [FastPoller.Run] promptly instead of waiting out its poll timeout. The
// returned read and write descriptors are the same fd, as with Linux's
// eventfd.
func createWakeFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func writeWakeByte(fd int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}

func drainWakeFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func closeWakeFD(readFD, writeFD int) {
	_ = unix.Close(readFD)
}
