// Package errors wraps github.com/pkg/errors with the helpers used throughout
// tailsync. Errors are annotated with a short description of the operation
// that failed, so that the final message reads like a trace:
// "run engine: decode packet: read payload type: unexpected EOF".
package errors

import (
	"fmt"
	"os"

	pkgErrors "github.com/pkg/errors"
)

// New returns an error with the given message.
func New(msg string) error {
	return pkgErrors.New(msg)
}

// Errorf returns an error formatted according to the format specifier.
func Errorf(format string, args ...interface{}) error {
	return pkgErrors.Errorf(format, args...)
}

// WithContext annotates `err` with a description of what was being attempted
// when it occurred. It returns nil if `err` is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgErrors.WithMessage(err, context)
}

// RootCause returns the innermost error that was wrapped by WithContext.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return pkgErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return pkgErrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown to the
// operator verbatim, without the context trace.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message to show to the operator.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

type friendlyErrorInterface interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the friendly message of the root cause if it
// has one, and the full error trace otherwise.
func GetPrintableMessage(err error) string {
	if friendlyErr, ok := RootCause(err).(friendlyErrorInterface); ok {
		return friendlyErr.FriendlyMessage()
	}
	return err.Error()
}

// Reason returns the description of a filesystem error without the operation
// and path that *os.PathError prepends.
func Reason(err error) string {
	var pathErr *os.PathError
	if As(err, &pathErr) {
		return pathErr.Err.Error()
	}
	return err.Error()
}
