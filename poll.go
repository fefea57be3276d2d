package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller waits until any of a set of descriptors is readable.
// Close wakes a Wait in progress through a self-pipe.
type Poller struct {
	fds       []int
	done      chan struct{}
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// NewPoller returns a Poller over fds.
func NewPoller(fds ...int) (*Poller, error) {
	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	return &Poller{
		fds:   append([]int(nil), fds...),
		done:  make(chan struct{}),
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

// Wait blocks until one of the descriptors is readable or timeout elapses.
// A negative timeout waits indefinitely. Hang-ups and errors on a
// descriptor count as ready so the caller gets to see them on its next read.
func (p *Poller) Wait(timeout time.Duration) (bool, error) {
	select {
	case <-p.done:
		return false, ErrClosed
	default:
	}

	pfd := make([]unix.PollFd, 0, len(p.fds)+1)
	for _, fd := range p.fds {
		pfd = append(pfd, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	pfd = append(pfd, unix.PollFd{Fd: int32(p.pipeR), Events: unix.POLLIN})

	ms := -1
	if timeout >= 0 {
		// Round up so a short timeout does not spin at 0ms.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(pfd, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if pfd[len(pfd)-1].Revents != 0 {
		return false, ErrClosed
	}
	return n > 0, nil
}

// Close wakes any Wait call and releases the self-pipe.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		unix.Write(p.pipeW, []byte{1})
		unix.Close(p.pipeW)
		unix.Close(p.pipeR)
	})
	return nil
}
