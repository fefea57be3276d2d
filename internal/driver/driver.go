// Package driver opens the endpoints a bridge relays between.
package driver

import (
	"errors"
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
	"go.uber.org/zap"

	serial "github.com/luhtfiimanal/go-serial-bridge"
	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
)

// Driver names.
const (
	Termios = "termios"
	PTY     = "pty"
	Bugst   = "bugst"
	Tarm    = "tarm"
)

// tarmReadTimeout is the shortest read timeout tarm/serial can express.
const tarmReadTimeout = 100 * time.Millisecond

// Port is an opened bridge endpoint.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Name() string
}

// Pollable is implemented by ports backed by a pollable descriptor.
type Pollable interface {
	Fd() int
}

// OpenDevice opens the device-facing endpoint.
func OpenDevice(cfg config.EndpointConfig, log *zap.Logger) (Port, error) {
	if cfg.Driver == PTY {
		return nil, errors.New("pty driver is host-only")
	}
	return open(cfg, log)
}

// OpenHost opens the host-facing endpoint.
func OpenHost(cfg config.EndpointConfig, log *zap.Logger) (Port, error) {
	return open(cfg, log)
}

func open(cfg config.EndpointConfig, log *zap.Logger) (Port, error) {
	var (
		port Port
		err  error
	)
	switch cfg.Driver {
	case Termios:
		port, err = serial.Open(serial.Config{Device: cfg.Path, BaudRate: cfg.BaudRate})
	case PTY:
		port, err = serial.OpenPTY(cfg.BaudRate)
	case Bugst:
		port, err = openBugst(cfg)
	case Tarm:
		log.Warn("tarm driver cannot read without waiting; each idle read stalls the bridge",
			zap.String("path", cfg.Path),
			zap.Duration("stall", tarmReadTimeout))
		port, err = openTarm(cfg)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return port, nil
}

// NewPoller returns a poller over every port, or nil if any port has no
// descriptor to poll.
func NewPoller(ports ...Port) (*serial.Poller, error) {
	fds := make([]int, 0, len(ports))
	for _, p := range ports {
		pp, ok := p.(Pollable)
		if !ok {
			return nil, nil
		}
		fds = append(fds, pp.Fd())
	}
	return serial.NewPoller(fds...)
}

// bugstPort wraps go.bug.st/serial with a zero read timeout so Read
// returns at once.
type bugstPort struct {
	port bugst.Port
	name string
}

func openBugst(cfg config.EndpointConfig) (*bugstPort, error) {
	p, err := bugst.Open(cfg.Path, &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if err := p.SetReadTimeout(0); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &bugstPort{port: p, name: cfg.Path}, nil
}

func (b *bugstPort) Read(p []byte) (int, error) {
	n, err := b.port.Read(p)
	if n == 0 && err == nil {
		return 0, serial.ErrWouldBlock
	}
	return n, err
}

func (b *bugstPort) Write(p []byte) (int, error) { return b.port.Write(p) }
func (b *bugstPort) Close() error                { return b.port.Close() }
func (b *bugstPort) Name() string                { return b.name }

// tarmPort wraps github.com/tarm/serial. A read that times out surfaces
// as io.EOF and is reported as ErrWouldBlock.
type tarmPort struct {
	port *tarm.Port
	name string
}

func openTarm(cfg config.EndpointConfig) (*tarmPort, error) {
	p, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.Path,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
		ReadTimeout: tarmReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	return &tarmPort{port: p, name: cfg.Path}, nil
}

func (t *tarmPort) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return 0, serial.ErrWouldBlock
	}
	return n, err
}

func (t *tarmPort) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *tarmPort) Close() error                { return t.port.Close() }
func (t *tarmPort) Name() string                { return t.name }
