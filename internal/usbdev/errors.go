package usbdev

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout marks a transfer that moved no data before its timeout.
	ErrTimeout = errors.New("transfer timed out")

	// ErrNoDevice marks a transfer on a handle whose device is gone.
	ErrNoDevice = errors.New("device removed")

	// ErrDeviceUnavailable is returned when an operation needs bound
	// endpoints and there are none.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrConfiguration is returned when a function lacks the endpoints its
	// role expects.
	ErrConfiguration = errors.New("configuration error")
)

// TransportError is a failed or timed-out endpoint transfer. Code carries
// the driver's own status value.
type TransportError struct {
	Op       string // "read" or "write"
	Endpoint uint8
	Code     int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s ep 0x%02X: %v (code %d)", e.Op, e.Endpoint, e.Err, e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the transfer simply saw no data in time.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsTimeout reports whether err is a benign no-data timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}
