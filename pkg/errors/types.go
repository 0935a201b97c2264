package errors

import (
	"fmt"
)

// ErrUnexpectedPacket is returned when the peer sends a packet that only the
// engine is allowed to send.
var ErrUnexpectedPacket = New("unexpected packet from peer")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// InvalidFieldError represents a configuration field with an unusable value.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (err InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", err.Field, err.Reason)
}
