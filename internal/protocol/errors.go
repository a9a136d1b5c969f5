// internal/protocol/errors.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrUsedBeforeConnect    = errors.New("device used before connection was established")
	ErrTimeout              = errors.New("did not receive response in time")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrFunctionNotSupported = errors.New("function not supported")
	ErrUnknownError         = errors.New("unknown error")
	ErrInvalidUID           = errors.New("invalid UID")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrMalformedPacket      = errors.New("malformed packet")
)

// ConnectError is returned when a session to brickd cannot be established
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the connect attempt ran out of time
func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}
