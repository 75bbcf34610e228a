//go:build linux

package rfkill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type devNode struct {
	fd   int
	wake int // eventfd

	closeOnce sync.Once
}

// OpenNode opens path read-only and non-blocking.
func OpenNode(path string) (Node, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &devNode{fd: fd, wake: wake}, nil
}

func (n *devNode) Read(p []byte) (int, error) {
	for {
		c, err := unix.Read(n.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("read: %w", err)
		case c == 0:
			return 0, ErrStreamEnd
		}
		return c, nil
	}
}

func (n *devNode) Wait() error {
	fds := []unix.PollFd{
		{Fd: int32(n.fd), Events: unix.POLLIN},
		{Fd: int32(n.wake), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if fds[1].Revents != 0 {
			return ErrInterrupted
		}
		if ev := fds[0].Revents; ev&unix.POLLIN == 0 && ev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll: device node reported events %#x", ev)
		}
		return nil
	}
}

func (n *devNode) Interrupt() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(n.wake, one[:])
}

func (n *devNode) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = unix.Close(n.fd)
		_ = unix.Close(n.wake)
	})
	return err
}
