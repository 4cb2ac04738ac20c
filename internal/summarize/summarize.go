package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/cmdsched/internal/retrieval"
)

const (
	defaultMaxLength     = 500
	defaultTimeout       = 30 * time.Second
	defaultContextBudget = 8000
)

// Chunk is one passage handed to a Generator.
type Chunk struct {
	ID      string
	Content string
	Score   float64
	Source  string
}

// Summary is a generated summary and the ids of the items it was built from.
type Summary struct {
	Text    string   `json:"text"`
	ItemIDs []string `json:"item_ids"`
}

// Empty reports whether no summary text was produced.
func (s Summary) Empty() bool { return s.Text == "" }

// Generator is the text generation collaborator.
type Generator interface {
	GenerateSummary(ctx context.Context, chunks []Chunk, maxLength int) (string, error)
}

// GenerationError reports a failed, timed out, or empty generation.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("summary generation failed: %s: %v", e.Reason, e.Err)
	}
	return "summary generation failed: " + e.Reason
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config holds invoker limits. Zero values take defaults.
type Config struct {
	DefaultMaxLength int
	Timeout          time.Duration
	ContextBudget    int // characters of passage text sent to the generator
}

// Invoker budgets passages, calls the Generator, and normalizes its output.
type Invoker struct {
	gen    Generator
	cfg    Config
	logger *slog.Logger
}

func NewInvoker(g Generator, cfg Config) *Invoker {
	if cfg.DefaultMaxLength <= 0 {
		cfg.DefaultMaxLength = defaultMaxLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = defaultContextBudget
	}
	return &Invoker{gen: g, cfg: cfg, logger: slog.Default()}
}

func (inv *Invoker) WithLogger(l *slog.Logger) *Invoker {
	inv.logger = l
	return inv
}

// Summarize condenses retrieved items. No items yields an empty Summary.
func (inv *Invoker) Summarize(ctx context.Context, items []retrieval.RetrievedItem, maxLength int) (Summary, error) {
	chunks := make([]Chunk, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		chunks = append(chunks, Chunk{ID: it.ID, Content: it.Content, Score: it.Score, Source: sourceLabel(it)})
	}
	return inv.run(ctx, chunks, maxLength)
}

// SummarizeText condenses a single free-standing text.
func (inv *Invoker) SummarizeText(ctx context.Context, content string, maxLength int) (Summary, error) {
	if strings.TrimSpace(content) == "" {
		return Summary{}, nil
	}
	return inv.run(ctx, []Chunk{{ID: "content", Content: content, Score: 1}}, maxLength)
}

func (inv *Invoker) run(ctx context.Context, chunks []Chunk, maxLength int) (Summary, error) {
	if len(chunks) == 0 {
		return Summary{}, nil
	}
	if maxLength <= 0 {
		maxLength = inv.cfg.DefaultMaxLength
	}

	selected := selectChunks(chunks, inv.cfg.ContextBudget)
	if dropped := len(chunks) - len(selected); dropped > 0 {
		inv.logger.Debug("summary context over budget", "dropped", dropped, "budget", inv.cfg.ContextBudget)
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := inv.gen.GenerateSummary(callCtx, selected, maxLength)
	if ctx.Err() != nil {
		return Summary{}, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Summary{}, &GenerationError{Reason: "timed out after " + inv.cfg.Timeout.String(), Err: context.DeadlineExceeded}
	}
	if err != nil {
		return Summary{}, &GenerationError{Reason: "generator error", Err: err}
	}

	text := Normalize(raw, maxLength)
	if text == "" {
		return Summary{}, &GenerationError{Reason: "empty output"}
	}

	ids := make([]string, len(selected))
	for i, c := range selected {
		ids[i] = c.ID
	}
	inv.logger.Debug("summary generated", "chunks", len(selected), "chars", utf8.RuneCountInString(text), "duration", time.Since(start))
	return Summary{Text: text, ItemIDs: ids}, nil
}

// selectChunks orders chunks by score and keeps those that fit in budget
// characters, so the lowest-scoring ones are dropped first. When not even
// the best chunk fits it is cut to the budget.
func selectChunks(chunks []Chunk, budget int) []Chunk {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining := budget
	var out []Chunk
	for _, c := range sorted {
		n := utf8.RuneCountInString(c.Content)
		if n > remaining {
			continue
		}
		out = append(out, c)
		remaining -= n
	}
	if len(out) == 0 {
		best := sorted[0]
		best.Content = string([]rune(best.Content)[:budget])
		out = []Chunk{best}
	}
	return out
}

func sourceLabel(it retrieval.RetrievedItem) string {
	if title, ok := it.Metadata["title"].(string); ok && title != "" {
		return title
	}
	return string(it.SourceKind)
}

var (
	labelRe = regexp.MustCompile(`^(?i:summary|요약)\s*[:：]\s*`)
	blankRe = regexp.MustCompile(`\n{3,}`)
)

// Normalize trims generator output, strips a leading "Summary:" label,
// collapses runs of blank lines, and truncates to maxLength runes with a
// trailing "..." when cut.
func Normalize(s string, maxLength int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(labelRe.ReplaceAllString(s, ""))
	s = blankRe.ReplaceAllString(s, "\n\n")
	return truncate(s, maxLength)
}

func truncate(s string, maxLength int) string {
	if maxLength <= 0 || utf8.RuneCountInString(s) <= maxLength {
		return s
	}
	r := []rune(s)
	if maxLength <= 3 {
		return string(r[:maxLength])
	}
	return strings.TrimRight(string(r[:maxLength-3]), " \n\t") + "..."
}
