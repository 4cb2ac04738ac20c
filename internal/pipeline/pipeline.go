// Package pipeline turns one natural-language command into retrieval,
// summarization and scheduled actions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cmdsched/internal/entity"
	"github.com/kalambet/cmdsched/internal/intent"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/scheduler"
	"github.com/kalambet/cmdsched/internal/summarize"
	"github.com/kalambet/cmdsched/internal/task"
)

const (
	DefaultSubject     = "Search Results Summary"
	placeholderBody    = "No summary available"
	notUnderstoodReply = "No action taken: the command was not understood."
)

// Command is one inbound request. Context may carry top_k, max_length and
// subject overrides.
type Command struct {
	Text       string         `json:"query"`
	Context    map[string]any `json:"context,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	ReceivedAt time.Time      `json:"received_at,omitzero"`
}

// Response is the outcome of processing a Command.
type Response struct {
	RequestID        string                    `json:"request_id"`
	Intent           intent.Intent             `json:"intent"`
	Entities         entity.Set                `json:"entities"`
	SearchResults    []retrieval.RetrievedItem `json:"search_results,omitempty"`
	Summary          string                    `json:"summary,omitempty"`
	ScheduledActions []task.Action             `json:"scheduled_actions"`
	ResponseText     string                    `json:"response_text"`
	Warnings         []string                  `json:"warnings,omitempty"`
	ExecutionTime    float64                   `json:"execution_time"`
}

type Classifier interface {
	Classify(text string) intent.Intent
}

type Retriever interface {
	Retrieve(ctx context.Context, keywords string, topK int) ([]retrieval.RetrievedItem, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, items []retrieval.RetrievedItem, maxLength int) (summarize.Summary, error)
}

type Scheduler interface {
	Validate(req scheduler.Request) error
	Schedule(ctx context.Context, req scheduler.Request) (task.Action, error)
}

// Config holds pipeline defaults. Zero TopK and MaxLength defer to the
// retrieval and summarize defaults.
type Config struct {
	TopK      int
	MaxLength int
	Location  *time.Location
}

// Pipeline holds only read-only collaborators, so one instance serves
// concurrent commands.
type Pipeline struct {
	classifier Classifier
	extractor  entity.Extractor
	retriever  Retriever
	summarizer Summarizer
	scheduler  Scheduler
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

func New(r Retriever, s Summarizer, sch Scheduler, cfg Config) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Pipeline{
		classifier: intent.Classifier{},
		extractor:  entity.RuleExtractor{},
		retriever:  r,
		summarizer: s,
		scheduler:  sch,
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithClock replaces the time source entities are resolved against.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithExtractor substitutes the entity extractor.
func (p *Pipeline) WithExtractor(e entity.Extractor) *Pipeline {
	p.extractor = e
	return p
}

func (p *Pipeline) WithClassifier(c Classifier) *Pipeline {
	p.classifier = c
	return p
}

func (p *Pipeline) WithLogger(l *slog.Logger) *Pipeline {
	p.logger = l
	return p
}

// Process classifies cmd, gathers what its intent needs, and schedules the
// resulting actions. Retrieval and summarization failures degrade into
// warnings; a *task.ValidationError or *task.SchedulingError is returned
// when an action cannot be scheduled, and then no task is created.
func (p *Pipeline) Process(ctx context.Context, cmd Command) (Response, error) {
	start := time.Now()
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.New().String()
	}
	now := p.now().In(p.cfg.Location)
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = now
	}
	log := p.logger.With("request_id", cmd.RequestID)

	resp := Response{
		RequestID:        cmd.RequestID,
		Intent:           p.classifier.Classify(cmd.Text),
		ScheduledActions: []task.Action{},
	}
	if resp.Intent == intent.Unknown {
		resp.ResponseText = notUnderstoodReply
		resp.ExecutionTime = time.Since(start).Seconds()
		log.Info("command not understood")
		return resp, nil
	}

	opts, err := parseOptions(cmd.Context)
	if err != nil {
		return Response{}, err
	}
	resp.Entities = p.extractor.Extract(cmd.Text, now)
	log.Debug("command classified", "intent", resp.Intent,
		"recipients", len(resp.Entities.Recipients), "times", len(resp.Entities.Times))

	if resp.Intent.NeedsSearch() {
		topK := opts.topK
		if topK == 0 {
			topK = p.cfg.TopK
		}
		items, err := p.retriever.Retrieve(ctx, resp.Entities.Keywords, topK)
		switch {
		case ctx.Err() != nil:
			return Response{}, ctx.Err()
		case err != nil:
			log.Warn("retrieval failed", "error", err)
			resp.Warnings = append(resp.Warnings, "search failed: "+err.Error())
		default:
			resp.SearchResults = items
		}

		if resp.Intent.NeedsSummary() && err == nil && len(items) > 0 {
			maxLength := opts.maxLength
			if maxLength == 0 {
				maxLength = p.cfg.MaxLength
			}
			s, err := p.summarizer.Summarize(ctx, items, maxLength)
			switch {
			case ctx.Err() != nil:
				return Response{}, ctx.Err()
			case err != nil:
				log.Warn("summarization failed", "error", err)
				resp.Warnings = append(resp.Warnings, "summary failed: "+err.Error())
			default:
				resp.Summary = s.Text
			}
		}
	}

	if resp.Intent.NeedsEmail() {
		actions, err := p.scheduleEmails(ctx, resp.Entities, resp.Summary, opts.subject)
		if err != nil {
			return Response{}, err
		}
		resp.ScheduledActions = actions
	}

	resp.ResponseText = responseText(resp)
	resp.ExecutionTime = time.Since(start).Seconds()
	log.Info("command processed", "intent", resp.Intent,
		"results", len(resp.SearchResults), "actions", len(resp.ScheduledActions), "warnings", len(resp.Warnings))
	return resp, nil
}

// scheduleEmails validates one email per recipient before creating any, so
// a bad request leaves no tasks behind.
func (p *Pipeline) scheduleEmails(ctx context.Context, ents entity.Set, summary, subject string) ([]task.Action, error) {
	if len(ents.Recipients) == 0 {
		return nil, &task.ValidationError{Field: "to", Reason: "no recipient found in command"}
	}
	body := summary
	if body == "" {
		body = placeholderBody
	}
	if subject == "" {
		subject = DefaultSubject
	}

	reqs := make([]scheduler.Request, 0, len(ents.Recipients))
	for _, to := range ents.Recipients {
		req := scheduler.Request{
			Kind:        task.KindEmail,
			Params:      task.Params{"to": to, "subject": subject, "body": body},
			ScheduledAt: ents.When(),
		}
		if err := p.scheduler.Validate(req); err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	actions := make([]task.Action, 0, len(reqs))
	for _, req := range reqs {
		a, err := p.scheduler.Schedule(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("scheduling email to %s: %w", req.Params.String("to"), err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func responseText(r Response) string {
	var parts []string
	if len(r.SearchResults) > 0 {
		parts = append(parts, fmt.Sprintf("Found %d relevant results.", len(r.SearchResults)))
	}
	if r.Summary != "" {
		parts = append(parts, "Generated summary of the results.")
	}
	if len(r.ScheduledActions) > 0 {
		parts = append(parts, fmt.Sprintf("Scheduled %d action(s).", len(r.ScheduledActions)))
	}
	if len(parts) == 0 {
		return "Query processed successfully."
	}
	return strings.Join(parts, " ")
}

type options struct {
	topK      int
	maxLength int
	subject   string
}

func parseOptions(c map[string]any) (options, error) {
	var o options
	p := task.Params(c)

	n, ok, err := p.Int("top_k")
	if err != nil {
		return o, &task.ValidationError{Field: "context.top_k", Reason: err.Error()}
	}
	if ok && n <= 0 {
		return o, &task.ValidationError{Field: "context.top_k", Reason: "must be positive"}
	}
	o.topK = n

	n, ok, err = p.Int("max_length")
	if err != nil {
		return o, &task.ValidationError{Field: "context.max_length", Reason: err.Error()}
	}
	if ok && n <= 0 {
		return o, &task.ValidationError{Field: "context.max_length", Reason: "must be positive"}
	}
	o.maxLength = n

	if raw, ok := c["subject"]; ok && raw != nil {
		if _, isString := raw.(string); !isString {
			return o, &task.ValidationError{Field: "context.subject", Reason: fmt.Sprintf("must be a string, got %T", raw)}
		}
		o.subject = p.String("subject")
	}
	return o, nil
}

// IsClientError reports whether err was caused by the command rather than
// by the system.
func IsClientError(err error) bool {
	var verr *task.ValidationError
	var serr *task.SchedulingError
	return errors.As(err, &verr) || errors.As(err, &serr)
}
