// Package validation defines the error type for fatal configuration problems
// detected while planning a deployment.
package validation

import (
	"errors"
	"fmt"
)

// Error reports a configuration problem that aborts the run.
// Err is usually a package-level sentinel so callers can match with errors.Is.
type Error struct {
	// Subject names the service, unit, step or key the problem was found on.
	Subject string
	// Reason is a human-readable detail appended to the message.
	Reason string
	// Err is the underlying sentinel.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "validation error"
	}
	msg := "validation error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", e.Subject, msg)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps sentinel with a subject and a formatted reason.
func Errorf(sentinel error, subject, format string, args ...any) error {
	return &Error{
		Subject: subject,
		Reason:  fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

// New wraps sentinel with a subject and no extra reason.
func New(sentinel error, subject string) error {
	return &Error{Subject: subject, Err: sentinel}
}

// IsError reports whether err is, or wraps, a validation error.
func IsError(err error) bool {
	var target *Error
	return errors.As(err, &target)
}
