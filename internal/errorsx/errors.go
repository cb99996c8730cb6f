// Package errorsx extends the standard errors package with a handful of
// helpers used throughout the engine: contextual wrapping, sentinel string
// errors that interoperate with errors.Is/As, and a Timeout marker interface
// used to distinguish transport timeouts from other transport errors.
package errorsx

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// New builds a plain error from a string, distinct from the stdlib only in
// that it participates in the same wrapping helpers below.
func New(s string) error {
	return errors.New(s)
}

// Errorf is fmt.Errorf without requiring callers to import fmt everywhere.
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// Wrap attaches a message to cause, preserving it for errors.Is/As/Unwrap.
func Wrap(cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, cause)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return Wrap(cause, fmt.Sprintf(format, args...))
}

// WithStack exists for parity with the teacher's error helpers; this engine
// does not capture stack traces, so it is a passthrough.
func WithStack(err error) error {
	return err
}

// Zero returns the zero value of T, useful for terminating an
// (value, error) pair into (value, error) discarding a non-fatal error in a
// single expression, e.g. errorsx.Zero(mayFail()).
func Zero[T any](v T, err error) T {
	if err != nil {
		var zero T
		return zero
	}
	return v
}

// Log logs a non-nil error and returns it, for use as a defer'd cleanup.
func Log(err error) error {
	if err != nil {
		log.Println(err)
	}
	return err
}

// LogErr is Log by another name, matching the teacher's call sites.
func LogErr(err error) error {
	return Log(err)
}

// Compact returns the first non-nil error among the arguments.
func Compact(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// String is a string constant that satisfies error, and compares equal to
// itself under errors.Is even after being wrapped.
type String string

func (t String) Error() string {
	return string(t)
}

// Timeout is implemented by errors representing a deadline exceeded; use
// errors.As(err, &timeout) to detect it regardless of the concrete type.
type Timeout interface {
	error
	Timeout() bool
	RetryAfter() time.Duration
}

type timeoutError struct {
	cause      error
	retryAfter time.Duration
}

func (t timeoutError) Error() string {
	return t.cause.Error()
}

func (t timeoutError) Unwrap() error {
	return t.cause
}

func (t timeoutError) Timeout() bool {
	return true
}

func (t timeoutError) RetryAfter() time.Duration {
	return t.retryAfter
}

// Timedout wraps cause as a Timeout error carrying a suggested retry delay.
func Timedout(cause error, retryAfter time.Duration) error {
	return timeoutError{cause: cause, retryAfter: retryAfter}
}

// StdlibTimeout converts err into a Timeout error when it matches one of the
// provided sentinel values (typically syscall errno values), otherwise
// returns err unchanged.
func StdlibTimeout(err error, retryAfter time.Duration, sentinels ...error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return Timedout(err, retryAfter)
		}
	}
	return err
}
