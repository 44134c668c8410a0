package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is matched by every admission rejection.
	ErrCapacityExceeded = errors.New("pool full")
	// ErrAlreadyActive means the device already holds a connection; register
	// as an observer instead of acquiring.
	ErrAlreadyActive = errors.New("connection already active")
	// ErrClosed is reported to an acquire callback whose connection was torn
	// down before the transport finished opening.
	ErrClosed = errors.New("connection closed")
	// ErrClosing means the device's previous connection is still releasing
	// its transport. It matches ErrAlreadyActive.
	ErrClosing error = closingError{}
)

type closingError struct{}

func (closingError) Error() string { return "connection closing" }

func (closingError) Is(target error) bool { return target == ErrAlreadyActive }

// Admission gates.
const (
	ReasonConnections = "connections"
	ReasonMemory      = "memory"
)

// AdmissionError describes which gate rejected an acquire.
type AdmissionError struct {
	DeviceID string
	Reason   string // ReasonConnections or ReasonMemory
	Current  uint64
	Limit    uint64
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case ReasonMemory:
		return fmt.Sprintf("pool full: memory estimate %d MiB of %d MiB", e.Current>>20, e.Limit>>20)
	default:
		return fmt.Sprintf("pool full: %d of %d connections", e.Current, e.Limit)
	}
}

// Is makes errors.Is(err, ErrCapacityExceeded) true.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// TransportError wraps a failure reported by the transport while opening or
// streaming a device.
type TransportError struct {
	DeviceID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
