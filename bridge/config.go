package bridge

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Defaults observed on the reference hardware.
const (
	DefaultBufferSize        = 64
	DiagnosticBufferSize     = 128
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultMaxIdleWait       = 10 * time.Millisecond
	DefaultTag               = "[UART RX] "
	DefaultTerminator        = "\r\n"
	DefaultHeartbeatFrame    = "PING 55 AA\r\n"
)

// Clock supplies the current time. time.Now satisfies it through SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the monotonic wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Waiter replaces busy-polling on idle iterations. Wait returns once an
// endpoint may have data or timeout has elapsed.
type Waiter interface {
	Wait(timeout time.Duration) (bool, error)
}

// Config holds the bridge settings. The zero value is not usable; start
// from Passthrough or Diagnostic.
type Config struct {
	HostBufferSize   int // capacity of the host->device scratch buffer
	DeviceBufferSize int // capacity of the device->host scratch buffer

	// Echo writes device bytes back to the device and sends Host a tagged
	// copy: Tag, the bytes, Terminator.
	Echo       bool
	Tag        []byte
	Terminator []byte

	// HeartbeatInterval of zero disables the heartbeat.
	HeartbeatInterval time.Duration
	HeartbeatFrame    []byte

	// WriteRetries is the number of extra attempts made to deliver the
	// remainder of a partial write within the same iteration. Zero drops
	// whatever the endpoint did not accept.
	WriteRetries int

	Clock       Clock
	Waiter      Waiter // nil means busy-poll
	MaxIdleWait time.Duration
	Logger      *zap.Logger
}

// Passthrough is the byte-transparent configuration: 64-byte buffers,
// no echo, no heartbeat.
func Passthrough() Config {
	return Config{
		HostBufferSize:   DefaultBufferSize,
		DeviceBufferSize: DefaultBufferSize,
		Clock:            SystemClock{},
		MaxIdleWait:      DefaultMaxIdleWait,
	}
}

// Diagnostic echoes device output, tags a copy for the host console and
// pings the device every 500ms.
func Diagnostic() Config {
	return Config{
		HostBufferSize:    DiagnosticBufferSize,
		DeviceBufferSize:  DiagnosticBufferSize,
		Echo:              true,
		Tag:               []byte(DefaultTag),
		Terminator:        []byte(DefaultTerminator),
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatFrame:    []byte(DefaultHeartbeatFrame),
		Clock:             SystemClock{},
		MaxIdleWait:       DefaultMaxIdleWait,
	}
}

func (c *Config) validate() error {
	if c.HostBufferSize <= 0 {
		return fmt.Errorf("host buffer size must be positive, got %d", c.HostBufferSize)
	}
	if c.DeviceBufferSize <= 0 {
		return fmt.Errorf("device buffer size must be positive, got %d", c.DeviceBufferSize)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval must not be negative, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval > 0 && len(c.HeartbeatFrame) == 0 {
		return fmt.Errorf("heartbeat enabled with an empty frame")
	}
	if c.WriteRetries < 0 {
		return fmt.Errorf("write retries must not be negative, got %d", c.WriteRetries)
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.MaxIdleWait <= 0 {
		c.MaxIdleWait = DefaultMaxIdleWait
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
