// internal/driver/rs232/errors.go
package rs232

import (
	"errors"
	"fmt"
)

var (
	ErrStreamOutOfSync = errors.New("stream is out of sync")
	ErrDeviceClosed    = errors.New("device proxy closed")
)

// WriteError is returned when a message could not be handed to the bricklet.
// Written counts the bytes the bricklet accepted before the failure.
type WriteError struct {
	UID     string
	Written int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed after %d bytes: %v", e.UID, e.Written, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
