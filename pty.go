package serial

import (
	"fmt"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// OpenPTY creates a pseudo-terminal pair and returns a Port on its master
// side. A terminal program attaches to the slave, whose path Name reports.
//
// The slave is held open for the lifetime of the Port so that reads on the
// master keep returning ErrWouldBlock, not EIO, while nobody is attached.
func OpenPTY(baudRate int) (*Port, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}

	if err := makeRaw(int(slave.Fd()), baudRate); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	fd, err := unix.Dup(int(master.Fd()))
	master.Close()
	if err != nil {
		slave.Close()
		return nil, fmt.Errorf("dup pty master: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		slave.Close()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	return &Port{
		fd:      fd,
		name:    slave.Name(),
		onClose: slave.Close,
	}, nil
}
