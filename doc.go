// Package serial provides raw, non-blocking byte-stream endpoints on Linux
// ttys and pseudo-terminals, and a bridge that relays bytes between two of
// them (see the bridge subpackage).
//
// This package is the transport layer of the bridge. It is optimized for
// a tight relay loop where no call may ever wait on the line:
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Non-blocking Read and Write; "nothing now" is ErrWouldBlock, not a fault
//   - PTY endpoints that stand in for a USB virtual serial port
//   - Poller with a self-pipe for an optional wait-on-any-ready idle strategy
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	dev, err := serial.Open(serial.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	host, err := serial.OpenPTY(115200)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//	fmt.Println("attach a terminal to", host.Name())
//
//	buf := make([]byte, 64)
//	n, err := dev.Read(buf)
//	switch {
//	case errors.Is(err, serial.ErrWouldBlock):
//	    // nothing queued right now
//	case err != nil:
//	    log.Println("read error:", err)
//	default:
//	    host.Write(buf[:n])
//	}
package serial
