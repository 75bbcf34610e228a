package rfkill

import "errors"

// DefaultNodePath is the rfkill event device.
const DefaultNodePath = "/dev/rfkill"

var (
	// ErrWouldBlock is returned by Node.Read when no event is buffered.
	ErrWouldBlock = errors.New("rfkill: read would block")

	// ErrInterrupted is returned by Node.Wait after Interrupt was called.
	ErrInterrupted = errors.New("rfkill: wait interrupted")

	// ErrStreamEnd is returned when the node reports end of file or a read of
	// zero bytes. A character device only does that when the subsystem is gone.
	ErrStreamEnd = errors.New("rfkill: end of event stream")
)

// Node is an open, non-blocking handle on the event device.
type Node interface {
	// Read never blocks. It returns ErrWouldBlock when nothing is pending.
	Read(p []byte) (int, error)

	// Wait blocks until the node is readable or Interrupt is called.
	Wait() error

	// Interrupt wakes a pending or future Wait with ErrInterrupted. It may be
	// called from any goroutine.
	Interrupt()

	Close() error
}

// OpenFunc opens the node at path.
type OpenFunc func(path string) (Node, error)
