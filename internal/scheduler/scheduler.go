// Package scheduler validates action requests and turns them into durable
// pending tasks.
package scheduler

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/cmdsched/internal/ingest"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/task"
)

// Store is the subset of the task store the scheduler writes to.
type Store interface {
	CreateTask(ctx context.Context, r task.Record) error
	GetTask(ctx context.Context, id string) (task.Record, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]task.Record, error)
	CancelTask(ctx context.Context, id string, now time.Time) (task.Record, error)
	CountByStatus(ctx context.Context) (map[task.Status]int, error)
}

// Request asks for one action. A nil ScheduledAt means run as soon as possible.
type Request struct {
	Kind        task.Kind   `json:"action_type"`
	Params      task.Params `json:"parameters"`
	ScheduledAt *time.Time  `json:"scheduled_time,omitempty"`
}

type Config struct {
	MaxRetries    int
	PastTolerance time.Duration
	MaxHorizon    time.Duration
}

// DefaultConfig returns three retries, five minutes of past tolerance, and a
// thirty day horizon.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		PastTolerance: 5 * time.Minute,
		MaxHorizon:    30 * 24 * time.Hour,
	}
}

type Scheduler struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store, cfg Config) *Scheduler {
	return &Scheduler{store: store, cfg: cfg, now: time.Now, logger: slog.Default()}
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l
	return s
}

// Validate runs parameter and time checks without writing anything.
func (s *Scheduler) Validate(req Request) error {
	_, _, err := s.check(req, s.now())
	return err
}

// Schedule validates req and stores it as a pending task. The task is
// returned before any execution happens.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (task.Action, error) {
	now := s.now()
	kind, params, err := s.check(req, now)
	if err != nil {
		return task.Action{}, err
	}

	next := now
	var at *time.Time
	if req.ScheduledAt != nil {
		t := req.ScheduledAt.UTC()
		at = &t
		next = t
	}

	rec := task.Record{
		Action: task.Action{
			ID:          uuid.New().String(),
			Kind:        kind,
			Params:      params,
			ScheduledAt: at,
			Status:      task.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		MaxRetries:    s.cfg.MaxRetries,
		NextAttemptAt: next,
	}
	if err := s.store.CreateTask(ctx, rec); err != nil {
		return task.Action{}, fmt.Errorf("creating task: %w", err)
	}

	s.logger.Info("action scheduled", "task_id", rec.ID, "kind", rec.Kind, "next_attempt_at", next)
	return rec.Action, nil
}

// Cancel moves a pending or retrying task to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (task.Action, error) {
	rec, err := s.store.CancelTask(ctx, id, s.now())
	if err != nil {
		return task.Action{}, err
	}
	s.logger.Info("action cancelled", "task_id", id)
	return rec.Action, nil
}

func (s *Scheduler) Status(ctx context.Context, id string) (task.Report, error) {
	rec, err := s.store.GetTask(ctx, id)
	if err != nil {
		return task.Report{}, err
	}
	return rec.Report(), nil
}

func (s *Scheduler) List(ctx context.Context, f storage.TaskFilter) ([]task.Report, error) {
	recs, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]task.Report, len(recs))
	for i, r := range recs {
		out[i] = r.Report()
	}
	return out, nil
}

// Counts returns the number of tasks in every status, zero included.
func (s *Scheduler) Counts(ctx context.Context) (map[task.Status]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	for _, st := range task.Statuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

// check validates req against now and returns the canonical kind and the
// normalized parameters.
func (s *Scheduler) check(req Request, now time.Time) (task.Kind, task.Params, error) {
	kind, err := task.ParseKind(string(req.Kind))
	if err != nil {
		return "", nil, err
	}
	params, err := validateParams(kind, req.Params)
	if err != nil {
		return "", nil, err
	}
	if req.ScheduledAt != nil {
		at := *req.ScheduledAt
		if at.Before(now.Add(-s.cfg.PastTolerance)) {
			return "", nil, &task.SchedulingError{Reason: "scheduled time is in the past", At: at}
		}
		if s.cfg.MaxHorizon > 0 && at.After(now.Add(s.cfg.MaxHorizon)) {
			return "", nil, &task.SchedulingError{Reason: "scheduled time is beyond the " + s.cfg.MaxHorizon.String() + " horizon", At: at}
		}
	}
	return kind, params, nil
}

func required(p task.Params, key string) (string, error) {
	v := p.String(key)
	if v == "" {
		if raw, ok := p[key]; ok && raw != nil {
			if _, isString := raw.(string); !isString {
				return "", &task.ValidationError{Field: key, Reason: fmt.Sprintf("must be a string, got %T", raw)}
			}
		}
		return "", &task.ValidationError{Field: key, Reason: "is required"}
	}
	return v, nil
}

func optionalString(p task.Params, key string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", nil
	}
	if _, isString := raw.(string); !isString {
		return "", &task.ValidationError{Field: key, Reason: fmt.Sprintf("must be a string, got %T", raw)}
	}
	return p.String(key), nil
}

// validateImage checks an index request that carries an image instead of
// text and copies the image fields into out.
func validateImage(in task.Params, image string, out task.Params) error {
	if in.String("content") != "" {
		return &task.ValidationError{Field: "content", Reason: "cannot be combined with image_base64"}
	}
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return &task.ValidationError{Field: "image_base64", Reason: "invalid base64"}
	}
	declared, err := optionalString(in, "mime_type")
	if err != nil {
		return err
	}
	mime, ok := ingest.ImageType(data, declared)
	if !ok {
		return &task.ValidationError{Field: "mime_type", Reason: fmt.Sprintf("%q is not an image type", mime)}
	}
	out["image_base64"] = image
	out["mime_type"] = mime
	return nil
}

// validateParams checks the parameters of each kind and returns a
// normalized copy.
func validateParams(kind task.Kind, in task.Params) (task.Params, error) {
	if in == nil {
		in = task.Params{}
	}
	out := task.Params{}
	switch kind {
	case task.KindEmail:
		to, err := required(in, "to")
		if err != nil {
			return nil, err
		}
		if _, err := mail.ParseAddress(to); err != nil {
			return nil, &task.ValidationError{Field: "to", Reason: fmt.Sprintf("invalid address %q", to)}
		}
		subject, err := required(in, "subject")
		if err != nil {
			return nil, err
		}
		raw, ok := in["body"]
		body, isString := raw.(string)
		if ok && raw != nil && !isString {
			return nil, &task.ValidationError{Field: "body", Reason: fmt.Sprintf("must be a string, got %T", raw)}
		}
		out["to"], out["subject"], out["body"] = to, subject, body

	case task.KindSummarize:
		content, err := required(in, "content")
		if err != nil {
			return nil, err
		}
		out["content"] = content
		n, ok, err := in.Int("max_length")
		if err != nil {
			return nil, &task.ValidationError{Field: "max_length", Reason: err.Error()}
		}
		if ok {
			if n <= 0 {
				return nil, &task.ValidationError{Field: "max_length", Reason: "must be positive"}
			}
			out["max_length"] = n
		}

	case task.KindNotify:
		msg, err := required(in, "message")
		if err != nil {
			return nil, err
		}
		out["message"] = msg
		id, ok, err := in.Int("chat_id")
		if err != nil {
			return nil, &task.ValidationError{Field: "chat_id", Reason: err.Error()}
		}
		if ok {
			out["chat_id"] = id
		}

	case task.KindIndex:
		image, err := optionalString(in, "image_base64")
		if err != nil {
			return nil, err
		}
		kindStr, err := optionalString(in, "source_kind")
		if err != nil {
			return nil, err
		}
		if image != "" {
			if err := validateImage(in, image, out); err != nil {
				return nil, err
			}
			if kindStr == "" {
				kindStr = string(retrieval.KindImage)
			}
		} else {
			content, err := required(in, "content")
			if err != nil {
				return nil, err
			}
			out["content"] = content
		}
		sk, err := retrieval.ParseSourceKind(kindStr)
		if err != nil {
			return nil, &task.ValidationError{Field: "source_kind", Reason: err.Error()}
		}
		out["source_kind"] = string(sk)
		format, err := optionalString(in, "format")
		if err != nil {
			return nil, err
		}
		switch ingest.Format(format) {
		case "", ingest.FormatText:
		case ingest.FormatHTML:
			out["format"] = format
		default:
			return nil, &task.ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", format)}
		}
		for _, key := range []string{"title", "source"} {
			v, err := optionalString(in, key)
			if err != nil {
				return nil, err
			}
			if v != "" {
				out[key] = v
			}
		}

	default:
		return nil, &task.ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action type %q", kind)}
	}
	return out, nil
}
