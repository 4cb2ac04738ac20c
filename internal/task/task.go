// Package task defines the durable unit of deferred work: its kinds, its
// status state machine and the records the store persists.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a scheduled action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusRunning, StatusCompleted,
	StatusRetrying, StatusFailed, StatusCancelled,
}

// transitions is the complete edge set of the state machine.
// Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusRetrying, StatusFailed},
	StatusRetrying: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusRunning, StatusRetrying:
		return false
	}
	return false
}

// Claimable reports whether a worker may claim a task in status s.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRetrying
}

// ParseStatus converts a stored or user-provided string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Kind identifies which side effect a task performs.
type Kind string

const (
	KindEmail     Kind = "email"
	KindSummarize Kind = "summarize"
	KindNotify    Kind = "notify"
	KindIndex     Kind = "index"
)

// Kinds lists every action kind.
var Kinds = []Kind{KindEmail, KindSummarize, KindNotify, KindIndex}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", &ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action type %q", s)}
}

// Params is the JSON object of action parameters.
type Params map[string]any

// String returns the trimmed string value for key, or "" when absent or not a string.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Int returns the integer value for key. ok is false when the key is absent.
// JSON numbers arrive as float64 and are accepted when integral.
func (p Params) Int(key string) (n int, ok bool, err error) {
	v, present := p[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case int64:
		return int(val), true, nil
	case float64:
		if val != float64(int64(val)) {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return int(i), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

// Action is a scheduled action as seen by callers.
type Action struct {
	ID          string         `json:"task_id"`
	Kind        Kind           `json:"action_type"`
	Params      Params         `json:"parameters"`
	ScheduledAt *time.Time     `json:"scheduled_time,omitempty"`
	Status      Status         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Record is the persisted projection of an Action plus execution bookkeeping.
type Record struct {
	Action

	Attempts      int        `json:"attempts"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`

	// ClaimToken identifies the current claim while Status is running.
	ClaimToken string     `json:"-"`
	ClaimedAt  *time.Time `json:"-"`
}

// Report is the answer to a status query.
type Report struct {
	TaskID        string         `json:"task_id"`
	Kind          Kind           `json:"action_type"`
	Status        Status         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	ScheduledAt   *time.Time     `json:"scheduled_time,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
}

// Report projects the record into a status report. The next attempt time is
// only meaningful while the task can still be claimed.
func (r Record) Report() Report {
	rep := Report{
		TaskID:        r.ID,
		Kind:          r.Kind,
		Status:        r.Status,
		Result:        r.Result,
		Error:         r.Error,
		Attempts:      r.Attempts,
		ScheduledAt:   r.ScheduledAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		LastAttemptAt: r.LastAttemptAt,
	}
	if r.Status.Claimable() {
		next := r.NextAttemptAt
		rep.NextAttemptAt = &next
	}
	return rep
}
