package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/kalambet/cmdsched/internal/ingest"
	"github.com/kalambet/cmdsched/internal/notify"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/summarize"
	"github.com/kalambet/cmdsched/internal/task"
)

// Summarizer condenses free text for the summarize kind.
type Summarizer interface {
	SummarizeText(ctx context.Context, content string, maxLength int) (summarize.Summary, error)
}

// Indexer stores documents for the index kind.
type Indexer interface {
	Index(ctx context.Context, doc ingest.Doc) (ingest.Result, error)
}

// Handlers holds the collaborators each action kind runs against. A nil
// collaborator fails tasks of its kind permanently.
type Handlers struct {
	Mailer     notify.Mailer
	Summarizer Summarizer
	Notifier   notify.Notifier
	Indexer    Indexer
}

var errNotConfigured = errors.New("no handler configured")

// Dispatch runs one attempt of rec and returns the result payload.
func (h Handlers) Dispatch(ctx context.Context, rec task.Record) (map[string]any, error) {
	switch rec.Kind {
	case task.KindEmail:
		return h.email(ctx, rec.Params)
	case task.KindSummarize:
		return h.summarize(ctx, rec.Params)
	case task.KindNotify:
		return h.notify(ctx, rec.Params)
	case task.KindIndex:
		return h.index(ctx, rec)
	default:
		return nil, Permanent(fmt.Errorf("unknown action type %q", rec.Kind))
	}
}

func (h Handlers) email(ctx context.Context, p task.Params) (map[string]any, error) {
	if h.Mailer == nil {
		return nil, Permanent(fmt.Errorf("email: %w", errNotConfigured))
	}
	to, subject := p.String("to"), p.String("subject")
	if to == "" {
		return nil, &task.ValidationError{Field: "to", Reason: "is required"}
	}
	body, _ := p["body"].(string)
	if err := h.Mailer.Send(ctx, to, subject, body); err != nil {
		return nil, err
	}
	return map[string]any{"to": to, "subject": subject}, nil
}

func (h Handlers) summarize(ctx context.Context, p task.Params) (map[string]any, error) {
	if h.Summarizer == nil {
		return nil, Permanent(fmt.Errorf("summarize: %w", errNotConfigured))
	}
	maxLength, _, err := p.Int("max_length")
	if err != nil {
		return nil, &task.ValidationError{Field: "max_length", Reason: err.Error()}
	}
	s, err := h.Summarizer.SummarizeText(ctx, p.String("content"), maxLength)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": s.Text}, nil
}

func (h Handlers) notify(ctx context.Context, p task.Params) (map[string]any, error) {
	if h.Notifier == nil {
		return nil, Permanent(fmt.Errorf("notify: %w", errNotConfigured))
	}
	chatID, _, err := p.Int("chat_id")
	if err != nil {
		return nil, &task.ValidationError{Field: "chat_id", Reason: err.Error()}
	}
	if err := h.Notifier.Notify(ctx, int64(chatID), p.String("message")); err != nil {
		return nil, err
	}
	result := map[string]any{"delivered": true}
	if chatID != 0 {
		result["chat_id"] = chatID
	}
	return result, nil
}

// index uses the task id as the document id so a retried attempt replaces
// the chunks of an earlier partial one.
func (h Handlers) index(ctx context.Context, rec task.Record) (map[string]any, error) {
	if h.Indexer == nil {
		return nil, Permanent(fmt.Errorf("index: %w", errNotConfigured))
	}
	p := rec.Params
	kind, err := retrieval.ParseSourceKind(p.String("source_kind"))
	if err != nil {
		return nil, &task.ValidationError{Field: "source_kind", Reason: err.Error()}
	}
	var image []byte
	if enc := p.String("image_base64"); enc != "" {
		if image, err = base64.StdEncoding.DecodeString(enc); err != nil {
			return nil, &task.ValidationError{Field: "image_base64", Reason: "invalid base64"}
		}
	}
	res, err := h.Indexer.Index(ctx, ingest.Doc{
		ID:         rec.ID,
		Title:      p.String("title"),
		Source:     p.String("source"),
		SourceKind: kind,
		Content:    p.String("content"),
		Format:     ingest.Format(p.String("format")),
		Image:      image,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"document_id": res.DocumentID, "chunks": res.Chunks}, nil
}
