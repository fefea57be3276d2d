package bridge

import (
	"errors"

	serial "github.com/luhtfiimanal/go-serial-bridge"
)

// Outcome classifies the result of a single Read or Write on an Endpoint.
type Outcome int

const (
	// Transferred means at least one byte moved.
	Transferred Outcome = iota
	// NoData means nothing moved and nothing went wrong: the endpoint had
	// no bytes queued, or could not accept any right now.
	NoData
	// Fault means the endpoint reported a genuine error, such as a
	// disconnected device.
	Fault
)

func (o Outcome) String() string {
	switch o {
	case Transferred:
		return "transferred"
	case NoData:
		return "no-data"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Classify maps the (n, err) pair of a non-blocking call to an Outcome.
func Classify(n int, err error) Outcome {
	if err == nil || errors.Is(err, serial.ErrWouldBlock) {
		if n > 0 {
			return Transferred
		}
		return NoData
	}
	return Fault
}
