// Package bridgetest provides in-memory endpoints and a manual clock for
// exercising a bridge without hardware.
package bridgetest

import (
	"bytes"
	"sync"
	"time"

	serial "github.com/luhtfiimanal/go-serial-bridge"
)

// Endpoint is a lossless in-memory endpoint. Bytes given to Feed are
// returned by Read; bytes passed to Write are recorded.
type Endpoint struct {
	mu sync.Mutex

	rx     bytes.Buffer
	tx     bytes.Buffer
	writes [][]byte
	reads  int

	// ReadErr and WriteErr, when set, are returned by every call.
	ReadErr  error
	WriteErr error
	// WriteLimit caps the bytes accepted per Write. Zero means no cap.
	WriteLimit int
}

// NewEndpoint returns an empty Endpoint.
func NewEndpoint() *Endpoint { return &Endpoint{} }

// Feed queues p to be returned by subsequent reads.
func (e *Endpoint) Feed(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rx.Write(p)
}

// Pending returns the number of fed bytes not yet read.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rx.Len()
}

func (e *Endpoint) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads++
	if e.ReadErr != nil {
		return 0, e.ReadErr
	}
	if e.rx.Len() == 0 {
		return 0, serial.ErrWouldBlock
	}
	return e.rx.Read(p)
}

func (e *Endpoint) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.WriteErr != nil {
		return 0, e.WriteErr
	}
	n := len(p)
	if e.WriteLimit > 0 && n > e.WriteLimit {
		n = e.WriteLimit
	}
	e.tx.Write(p[:n])
	e.writes = append(e.writes, append([]byte(nil), p[:n]...))
	return n, nil
}

// Written returns every byte accepted by Write so far.
func (e *Endpoint) Written() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.tx.Bytes()...)
}

// Writes returns the bytes accepted by each Write call, in order.
func (e *Endpoint) Writes() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.writes))
	copy(out, e.writes)
	return out
}

// Reads returns how many times Read was called.
func (e *Endpoint) Reads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reads
}

// Reset discards recorded writes.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tx.Reset()
	e.writes = nil
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
