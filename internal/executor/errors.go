package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/cmdsched/internal/task"
)

// Permanent marks err as non-retryable: the task fails on this attempt.
//
//	return executor.Permanent(fmt.Errorf("bad input: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string   { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error   { return e.err }
func (e permanentError) Permanent() bool { return true }

// IsPermanent reports whether err is terminal for its task: anything in its
// chain that reports Permanent() true, and validation errors.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	if errors.As(err, &p) && p.Permanent() {
		return true
	}
	var verr *task.ValidationError
	return errors.As(err, &verr)
}

// RetryAfter attaches a retry delay to err, for example from an upstream
// Retry-After header. The delay replaces the computed backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
