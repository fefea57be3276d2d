package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	serial "github.com/luhtfiimanal/go-serial-bridge"
	"github.com/luhtfiimanal/go-serial-bridge/bridge/bridgetest"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/256)
	}
	return p
}

func newBridge(t *testing.T, cfg Config) (*Bridge, *bridgetest.Endpoint, *bridgetest.Endpoint, *bridgetest.Clock) {
	t.Helper()
	host := bridgetest.NewEndpoint()
	device := bridgetest.NewEndpoint()
	clock := bridgetest.NewClock(epoch)
	cfg.Clock = clock
	b, err := New(host, device, cfg)
	require.NoError(t, err)
	return b, host, device, clock
}

func drain(t *testing.T, b *Bridge, src *bridgetest.Endpoint) int {
	t.Helper()
	steps := 0
	for src.Pending() > 0 {
		b.Step()
		steps++
		require.Less(t, steps, 10000, "bridge did not drain")
	}
	return steps
}

func TestClassify(t *testing.T) {
	require.Equal(t, Transferred, Classify(5, nil))
	require.Equal(t, Transferred, Classify(5, serial.ErrWouldBlock))
	require.Equal(t, NoData, Classify(0, nil))
	require.Equal(t, NoData, Classify(0, serial.ErrWouldBlock))
	require.Equal(t, Fault, Classify(0, io.ErrUnexpectedEOF))
	require.Equal(t, Fault, Classify(3, serial.ErrClosed))
	require.Equal(t, "no-data", NoData.String())
}

func TestBridge_DeviceToHostTransparency(t *testing.T) {
	b, host, device, _ := newBridge(t, Passthrough())

	want := pattern(1000)
	for off := 0; off < len(want); off += 37 {
		end := off + 37
		if end > len(want) {
			end = len(want)
		}
		device.Feed(want[off:end])
		drain(t, b, device)
	}

	require.Equal(t, want, host.Written())
	require.Empty(t, device.Written())
	require.Equal(t, uint64(len(want)), b.Stats().DeviceToHost)
}

func TestBridge_HostToDeviceSymmetry(t *testing.T) {
	b, host, device, _ := newBridge(t, Passthrough())

	want := pattern(777)
	host.Feed(want)
	drain(t, b, host)

	require.Equal(t, want, device.Written())
	require.Empty(t, host.Written())
	require.Equal(t, uint64(len(want)), b.Stats().HostToDevice)
}

func TestBridge_BoundedBuffering(t *testing.T) {
	for _, size := range []int{DefaultBufferSize, DiagnosticBufferSize} {
		cfg := Passthrough()
		cfg.HostBufferSize = size
		cfg.DeviceBufferSize = size
		b, host, device, _ := newBridge(t, cfg)

		burst := pattern(300)
		device.Feed(burst)

		r := b.Step()
		require.Equal(t, size, r.DeviceToHost)

		steps := 1 + drain(t, b, device)
		require.Equal(t, (len(burst)+size-1)/size, steps)

		for _, w := range host.Writes() {
			require.LessOrEqual(t, len(w), size)
		}
		require.Equal(t, burst, host.Written())
	}
}

func TestBridge_IndependentBufferSizes(t *testing.T) {
	cfg := Passthrough()
	cfg.HostBufferSize = 16
	cfg.DeviceBufferSize = 128
	b, host, device, _ := newBridge(t, cfg)

	host.Feed(pattern(100))
	device.Feed(pattern(100))

	r := b.Step()
	require.Equal(t, 100, r.DeviceToHost)
	require.Equal(t, 16, r.HostToDevice)
}

func TestBridge_EchoAndTaggedCopy(t *testing.T) {
	b, host, device, _ := newBridge(t, Diagnostic())

	device.Feed([]byte("hello"))
	r := b.Step()
	require.Equal(t, 5, r.DeviceToHost)
	require.False(t, r.Heartbeat)

	writes := host.Writes()
	require.Len(t, writes, 2)
	require.Equal(t, "hello", string(writes[0]))
	require.Equal(t, "[UART RX] hello\r\n", string(writes[1]))
	require.Equal(t, "hello", string(device.Written()))

	st := b.Stats()
	require.Equal(t, uint64(5), st.Echoed)
	require.Equal(t, uint64(1), st.TaggedFrames)
}

func TestBridge_EchoDoesNotFeedBack(t *testing.T) {
	b, host, device, _ := newBridge(t, Diagnostic())

	device.Feed([]byte("abc"))
	b.Step()
	b.Step()
	b.Step()

	// The fake does not loop writes back into reads, so only one relay happens.
	require.Equal(t, "abc[UART RX] abc\r\n", string(host.Written()))
}

func TestBridge_HeartbeatPeriodicity(t *testing.T) {
	b, _, device, clock := newBridge(t, Diagnostic())

	var at []time.Duration
	for elapsed := time.Duration(0); elapsed <= 1200*time.Millisecond; elapsed += time.Millisecond {
		if b.Step().Heartbeat {
			at = append(at, elapsed)
		}
		clock.Advance(time.Millisecond)
	}

	require.Len(t, at, 2)
	for i := 1; i < len(at); i++ {
		require.GreaterOrEqual(t, at[i]-at[i-1], DefaultHeartbeatInterval)
	}
	require.Equal(t, "PING 55 AA\r\nPING 55 AA\r\n", string(device.Written()))
	require.Equal(t, uint64(2), b.Stats().Heartbeats)
}

func TestBridge_HeartbeatDrift(t *testing.T) {
	b, _, _, clock := newBridge(t, Diagnostic())

	// Iterations land every 300ms, so emissions land at 600 and 1200 and
	// the phase follows the emission time rather than a fixed grid.
	var at []time.Duration
	elapsed := time.Duration(0)
	for i := 0; i < 10; i++ {
		clock.Advance(300 * time.Millisecond)
		elapsed += 300 * time.Millisecond
		if b.Step().Heartbeat {
			at = append(at, elapsed)
		}
	}
	require.Equal(t, []time.Duration{
		600 * time.Millisecond,
		1200 * time.Millisecond,
		1800 * time.Millisecond,
		2400 * time.Millisecond,
		3000 * time.Millisecond,
	}, at)
}

func TestBridge_HeartbeatIgnoresWriteFailure(t *testing.T) {
	b, _, device, clock := newBridge(t, Diagnostic())
	device.WriteErr = errors.New("line busy")

	clock.Advance(DefaultHeartbeatInterval)
	require.True(t, b.Step().Heartbeat)
	require.False(t, b.Step().Heartbeat)

	clock.Advance(DefaultHeartbeatInterval)
	require.True(t, b.Step().Heartbeat)
	require.Equal(t, uint64(2), b.Stats().WriteFaults)
}

func TestBridge_NoHeartbeatInPassthrough(t *testing.T) {
	b, host, device, clock := newBridge(t, Passthrough())

	for i := 0; i < 100; i++ {
		clock.Advance(100 * time.Millisecond)
		require.False(t, b.Step().Heartbeat)
	}
	require.Empty(t, device.Written())
	require.Empty(t, host.Written())
}

func TestBridge_NonBlocking(t *testing.T) {
	b, _, device, _ := newBridge(t, Diagnostic())
	device.ReadErr = serial.ErrWouldBlock

	const iterations = 100000
	start := time.Now()
	for i := 0; i < iterations; i++ {
		require.True(t, b.Step().Idle())
	}
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, uint64(iterations), b.Stats().Iterations)
	require.Zero(t, b.Stats().ReadFaults)
}

func TestBridge_PartialWriteDropped(t *testing.T) {
	b, host, device, _ := newBridge(t, Passthrough())
	host.WriteLimit = 10

	device.Feed(pattern(64))
	b.Step()

	require.Equal(t, pattern(64)[:10], host.Written())
	require.Equal(t, uint64(54), b.Stats().Dropped)

	// Nothing is carried into the next iteration.
	host.Reset()
	b.Step()
	require.Empty(t, host.Written())
}

func TestBridge_PartialWriteRetried(t *testing.T) {
	cfg := Passthrough()
	cfg.WriteRetries = 10
	b, host, device, _ := newBridge(t, cfg)
	host.WriteLimit = 10

	device.Feed(pattern(64))
	b.Step()

	require.Equal(t, pattern(64), host.Written())
	require.Len(t, host.Writes(), 7)
	require.Zero(t, b.Stats().Dropped)
}

func TestBridge_ReadFaultDoesNotGateOtherDirection(t *testing.T) {
	b, host, device, _ := newBridge(t, Passthrough())
	device.ReadErr = errors.New("device unplugged")

	host.Feed([]byte("cmd\r"))
	r := b.Step()

	require.Zero(t, r.DeviceToHost)
	require.Equal(t, 4, r.HostToDevice)
	require.Equal(t, "cmd\r", string(device.Written()))
	require.Equal(t, uint64(1), b.Stats().ReadFaults)
}

func TestBridge_HostWriteFaultStillEchoes(t *testing.T) {
	b, host, device, _ := newBridge(t, Diagnostic())
	host.WriteErr = errors.New("host gone")

	device.Feed([]byte("xyz"))
	b.Step()

	require.Equal(t, "xyz", string(device.Written()))
	st := b.Stats()
	require.Equal(t, uint64(2), st.WriteFaults)
	require.Equal(t, uint64(3+len("[UART RX] xyz\r\n")), st.Dropped)
}

func TestBridge_RunUntilCancelled(t *testing.T) {
	host := bridgetest.NewEndpoint()
	device := bridgetest.NewEndpoint()
	b, err := New(host, device, Passthrough())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	device.Feed([]byte("from device"))
	host.Feed([]byte("from host"))

	require.Eventually(t, func() bool {
		return bytes.Equal(host.Written(), []byte("from device")) &&
			bytes.Equal(device.Written(), []byte("from host"))
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Run to return after cancel")
	}
}

type fakeWaiter struct {
	mu       sync.Mutex
	timeouts []time.Duration
	err      error
}

func (w *fakeWaiter) Wait(timeout time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeouts = append(w.timeouts, timeout)
	return false, w.err
}

func (w *fakeWaiter) calls() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.timeouts...)
}

func TestBridge_WaiterBoundedByHeartbeat(t *testing.T) {
	cfg := Diagnostic()
	cfg.MaxIdleWait = time.Second
	waiter := &fakeWaiter{}
	cfg.Waiter = waiter
	b, _, _, clock := newBridge(t, cfg)

	clock.Advance(400 * time.Millisecond)
	b.idle()

	calls := waiter.calls()
	require.Len(t, calls, 1)
	require.Equal(t, 100*time.Millisecond, calls[0])
}

func TestBridge_WaiterUsedOnlyWhenIdle(t *testing.T) {
	cfg := Passthrough()
	waiter := &fakeWaiter{}
	cfg.Waiter = waiter
	host := bridgetest.NewEndpoint()
	device := bridgetest.NewEndpoint()
	b, err := New(host, device, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return len(waiter.calls()) > 0 }, time.Second, time.Millisecond)
	cancel()
	<-done

	for _, d := range waiter.calls() {
		require.LessOrEqual(t, d, DefaultMaxIdleWait)
	}
}

func TestBridge_FailingWaiterFallsBackToBusyPoll(t *testing.T) {
	cfg := Passthrough()
	waiter := &fakeWaiter{err: serial.ErrClosed}
	cfg.Waiter = waiter
	host := bridgetest.NewEndpoint()
	device := bridgetest.NewEndpoint()
	b, err := New(host, device, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Stats().Iterations > 1000 }, time.Second, time.Millisecond)
	cancel()
	<-done

	require.Len(t, waiter.calls(), 1)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	host := bridgetest.NewEndpoint()
	device := bridgetest.NewEndpoint()

	cfg := Passthrough()
	cfg.HostBufferSize = 0
	_, err := New(host, device, cfg)
	require.Error(t, err)

	cfg = Passthrough()
	cfg.DeviceBufferSize = -1
	_, err = New(host, device, cfg)
	require.Error(t, err)

	cfg = Diagnostic()
	cfg.HeartbeatFrame = nil
	_, err = New(host, device, cfg)
	require.Error(t, err)

	cfg = Passthrough()
	cfg.WriteRetries = -1
	_, err = New(host, device, cfg)
	require.Error(t, err)
}
