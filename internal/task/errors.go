package task

import (
	"fmt"
	"time"
)

// ValidationError reports malformed action parameters or a required entity
// that could not be parsed. No task is created when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// SchedulingError reports a well-formed request the scheduler refused,
// such as a scheduled time outside the accepted window.
type SchedulingError struct {
	Reason string
	At     time.Time
}

func (e *SchedulingError) Error() string {
	if e.At.IsZero() {
		return "scheduling rejected: " + e.Reason
	}
	return fmt.Sprintf("scheduling rejected: %s (%s)", e.Reason, e.At.Format(time.RFC3339))
}

// ExecutionError is recorded on a task record when an attempt fails.
type ExecutionError struct {
	TaskID    string
	Kind      Kind
	Attempt   int
	Permanent bool
	Err       error
}

func (e *ExecutionError) Error() string {
	class := "recoverable"
	if e.Permanent {
		class = "terminal"
	}
	return fmt.Sprintf("%s task %s attempt %d (%s): %v", e.Kind, e.TaskID, e.Attempt, class, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TransitionError reports a status change the state machine forbids, or a
// compare-and-set that lost because the task had already moved on.
// Stale marks the second case when From -> To is a legal edge: the caller's
// claim was superseded rather than the edge being invalid.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
	Stale  bool
}

func (e *TransitionError) Error() string {
	if e.Stale {
		return fmt.Sprintf("task %s: claim no longer held for %s -> %s", e.TaskID, e.From, e.To)
	}
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}
