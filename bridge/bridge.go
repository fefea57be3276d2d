package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Endpoint is a non-blocking byte stream. Read and Write return at once,
// with serial.ErrWouldBlock (or a zero count) when nothing can move.
type Endpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Report describes what one iteration did.
type Report struct {
	DeviceToHost int // bytes read from the device
	HostToDevice int // bytes read from the host
	Heartbeat    bool
}

// Idle reports whether the iteration moved no bytes in either direction.
func (r Report) Idle() bool { return r.DeviceToHost == 0 && r.HostToDevice == 0 }

// Stats is a snapshot of the bridge counters.
type Stats struct {
	Iterations   uint64
	DeviceToHost uint64
	HostToDevice uint64
	Echoed       uint64
	TaggedFrames uint64
	Heartbeats   uint64
	Dropped      uint64
	ReadFaults   uint64
	WriteFaults  uint64
}

type counters struct {
	iterations   atomic.Uint64
	deviceToHost atomic.Uint64
	hostToDevice atomic.Uint64
	echoed       atomic.Uint64
	taggedFrames atomic.Uint64
	heartbeats   atomic.Uint64
	dropped      atomic.Uint64
	readFaults   atomic.Uint64
	writeFaults  atomic.Uint64
}

// Bridge relays bytes between a host endpoint and a device endpoint.
// A Bridge is driven by a single goroutine; only Stats may be called
// concurrently with Step or Run.
type Bridge struct {
	host   Endpoint
	device Endpoint
	cfg    Config
	log    *zap.Logger

	hostBuf   []byte // host -> device scratch
	deviceBuf []byte // device -> host scratch
	tagBuf    []byte // Tag + device bytes + Terminator

	lastHeartbeat time.Time
	waiter        Waiter

	stats counters
}

// New returns a Bridge between host and device. Scratch buffers are
// allocated here once and reused by every iteration.
func New(host, device Endpoint, cfg Config) (*Bridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		host:      host,
		device:    device,
		cfg:       cfg,
		hostBuf:   make([]byte, cfg.HostBufferSize),
		deviceBuf: make([]byte, cfg.DeviceBufferSize),
		waiter:    cfg.Waiter,
	}
	if cfg.Echo {
		b.tagBuf = make([]byte, 0, len(cfg.Tag)+cfg.DeviceBufferSize+len(cfg.Terminator))
	}
	// Faults can repeat at loop speed; keep the first few each second.
	b.log = cfg.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(c, time.Second, 3, 1000)
	}))
	b.lastHeartbeat = cfg.Clock.Now()
	return b, nil
}

// Step runs exactly one iteration: device to host, host to device, then
// the heartbeat check. No step depends on the outcome of another.
func (b *Bridge) Step() Report {
	var r Report
	r.DeviceToHost = b.relayDeviceToHost()
	r.HostToDevice = b.relayHostToDevice()
	r.Heartbeat = b.heartbeat()
	b.stats.iterations.Add(1)
	return r
}

// Run steps the bridge until ctx is done, without sleeping between
// iterations unless a Waiter is configured.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		r := b.Step()
		if b.waiter != nil && r.Idle() {
			b.idle()
		}
	}
}

func (b *Bridge) idle() {
	timeout := b.cfg.MaxIdleWait
	if b.cfg.HeartbeatInterval > 0 {
		until := b.cfg.HeartbeatInterval - b.cfg.Clock.Now().Sub(b.lastHeartbeat)
		if until < timeout {
			timeout = until
		}
		if timeout < 0 {
			timeout = 0
		}
	}
	if _, err := b.waiter.Wait(timeout); err != nil {
		b.cfg.Logger.Warn("idle wait failed, falling back to busy-poll", zap.Error(err))
		b.waiter = nil
	}
}

func (b *Bridge) relayDeviceToHost() int {
	n, ok := b.read(b.device, b.deviceBuf, "device")
	if !ok {
		return 0
	}
	data := b.deviceBuf[:n]
	b.stats.deviceToHost.Add(uint64(n))
	b.write(b.host, data, "host")

	if b.cfg.Echo {
		b.stats.echoed.Add(uint64(b.write(b.device, data, "device")))

		b.tagBuf = append(b.tagBuf[:0], b.cfg.Tag...)
		b.tagBuf = append(b.tagBuf, data...)
		b.tagBuf = append(b.tagBuf, b.cfg.Terminator...)
		b.write(b.host, b.tagBuf, "host")
		b.stats.taggedFrames.Add(1)
	}
	return n
}

func (b *Bridge) relayHostToDevice() int {
	n, ok := b.read(b.host, b.hostBuf, "host")
	if !ok {
		return 0
	}
	b.stats.hostToDevice.Add(uint64(n))
	b.write(b.device, b.hostBuf[:n], "device")
	return n
}

func (b *Bridge) heartbeat() bool {
	if b.cfg.HeartbeatInterval <= 0 {
		return false
	}
	now := b.cfg.Clock.Now()
	if now.Sub(b.lastHeartbeat) < b.cfg.HeartbeatInterval {
		return false
	}
	b.write(b.device, b.cfg.HeartbeatFrame, "device")
	b.lastHeartbeat = now
	b.stats.heartbeats.Add(1)
	return true
}

// read performs one read into buf and reports whether any bytes arrived.
func (b *Bridge) read(src Endpoint, buf []byte, name string) (int, bool) {
	n, err := src.Read(buf)
	switch Classify(n, err) {
	case Transferred:
		if n > len(buf) {
			n = len(buf)
		}
		return n, true
	case Fault:
		b.stats.readFaults.Add(1)
		b.log.Warn("read fault", zap.String("endpoint", name), zap.Error(err))
	}
	return 0, false
}

// write delivers p to dst and returns how many bytes were accepted.
// Anything left over after the configured retries is dropped.
func (b *Bridge) write(dst Endpoint, p []byte, name string) int {
	written := 0
	for attempt := 0; attempt <= b.cfg.WriteRetries && written < len(p); attempt++ {
		n, err := dst.Write(p[written:])
		if n > 0 {
			written += n
		}
		if Classify(n, err) == Fault {
			b.stats.writeFaults.Add(1)
			b.log.Warn("write fault", zap.String("endpoint", name), zap.Error(err))
			break
		}
	}
	if written > len(p) {
		written = len(p)
	}
	if dropped := len(p) - written; dropped > 0 {
		b.stats.dropped.Add(uint64(dropped))
	}
	return written
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Iterations:   b.stats.iterations.Load(),
		DeviceToHost: b.stats.deviceToHost.Load(),
		HostToDevice: b.stats.hostToDevice.Load(),
		Echoed:       b.stats.echoed.Load(),
		TaggedFrames: b.stats.taggedFrames.Load(),
		Heartbeats:   b.stats.heartbeats.Load(),
		Dropped:      b.stats.dropped.Load(),
		ReadFaults:   b.stats.readFaults.Load(),
		WriteFaults:  b.stats.writeFaults.Load(),
	}
}

// Fields renders the snapshot as zap fields.
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("iterations", s.Iterations),
		zap.Uint64("device_to_host", s.DeviceToHost),
		zap.Uint64("host_to_device", s.HostToDevice),
		zap.Uint64("echoed", s.Echoed),
		zap.Uint64("tagged_frames", s.TaggedFrames),
		zap.Uint64("heartbeats", s.Heartbeats),
		zap.Uint64("dropped", s.Dropped),
		zap.Uint64("read_faults", s.ReadFaults),
		zap.Uint64("write_faults", s.WriteFaults),
	}
}
