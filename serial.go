package serial

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by Read and Write when the descriptor has
	// nothing to give or cannot take anything right now. It is not a fault.
	ErrWouldBlock = errors.New("serial: would block")

	// ErrClosed is returned by operations on a closed Port or Poller.
	ErrClosed = errors.New("serial: closed")
)

// Port is a raw, non-blocking byte-stream handle to a tty.
// Every Read and Write is a single syscall that returns immediately.
type Port struct {
	mu        sync.RWMutex
	fd        int
	name      string
	closed    bool
	closeOnce sync.Once
	onClose   func() error
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device   string
	BaudRate int
}

// Open opens a serial port using the provided Config and returns a Port.
// The port is configured for raw 8N1 operation and left in non-blocking mode.
func Open(cfg Config) (*Port, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	if err := makeRaw(fd, cfg.BaudRate); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Port{fd: fd, name: cfg.Device}, nil
}

// makeRaw puts the tty behind fd into raw mode at the given baud rate.
func makeRaw(fd int, baudRate int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	baud := baudToUnix(baudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// VMIN=0, VTIME=0: a read returns whatever is queued, never waits
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Name returns the device path the port was opened with.
func (p *Port) Name() string { return p.name }

// Fd returns the underlying descriptor, for use with a Poller.
func (p *Port) Fd() int { return p.fd }

// Read performs one non-blocking read. It returns ErrWouldBlock when no
// bytes are queued.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Read(p.fd, b)
	return result(n, err)
}

// Write performs one non-blocking write. A short count means the kernel
// accepted only part of b; the remainder is not queued anywhere.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Write(p.fd, b)
	return result(n, err)
}

func result(n int, err error) (int, error) {
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrWouldBlock
	default:
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Close closes the port. Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		err = unix.Close(p.fd)
		if p.onClose != nil {
			if cerr := p.onClose(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	default:
		return unix.B115200 // fallback
	}
}
