package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetrievalError reports that every source kind failed.
type RetrievalError struct {
	Query string
	Errs  []error
}

func (e *RetrievalError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("retrieval failed for %q: %s", e.Query, strings.Join(msgs, "; "))
}

func (e *RetrievalError) Unwrap() []error { return e.Errs }

// OrchestratorConfig holds fan-out limits. Zero values take defaults.
type OrchestratorConfig struct {
	DefaultTopK int
	MaxTopK     int
	Timeout     time.Duration // per collaborator call
	MaxAttempts int           // per source kind
	CacheTTL    time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
}

// Orchestrator queries every source kind concurrently and merges the hits
// into one ranked list.
type Orchestrator struct {
	searcher Searcher
	cfg      OrchestratorConfig
	cache    Cache
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

func NewOrchestrator(s Searcher, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		searcher: s,
		cfg:      cfg,
		backoff:  200 * time.Millisecond,
		sleep:    sleepCtx,
		logger:   slog.Default(),
	}
}

// WithCache enables result caching. A nil cache disables it.
func (o *Orchestrator) WithCache(c Cache) *Orchestrator {
	o.cache = c
	return o
}

func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TopK clamps a requested result count to (0, MaxTopK], substituting the
// default for non-positive values.
func (o *Orchestrator) TopK(requested int) int {
	if requested <= 0 {
		requested = o.cfg.DefaultTopK
	}
	return min(requested, o.cfg.MaxTopK)
}

// Retrieve returns at most topK items across all source kinds, ordered by
// score, then kind priority, then collaborator rank. Partial failures are
// logged and the surviving results returned; a *RetrievalError is returned
// only when every kind fails.
func (o *Orchestrator) Retrieve(ctx context.Context, keywords string, topK int) ([]RetrievedItem, error) {
	topK = o.TopK(topK)
	key := cacheKey(keywords, topK)

	if o.cache != nil {
		items, ok, err := o.cache.Get(ctx, key)
		switch {
		case err != nil:
			o.logger.Warn("retrieval cache read failed", "error", err)
		case ok:
			o.logger.Debug("retrieval cache hit", "top_k", topK)
			return items, nil
		}
	}

	perKind := make([][]RetrievedItem, len(SourceKinds))
	errs := make([]error, len(SourceKinds))

	// Collaborator failures are collected per kind, so the group never
	// cancels siblings.
	var g errgroup.Group
	for i, kind := range SourceKinds {
		g.Go(func() error {
			perKind[i], errs[i] = o.searchKind(ctx, keywords, topK, kind)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failed []error
	var merged []RetrievedItem
	for i, kind := range SourceKinds {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("%s: %w", kind, errs[i]))
			continue
		}
		for _, it := range perKind[i] {
			if it.SourceKind == "" {
				it.SourceKind = kind
			}
			merged = append(merged, it)
		}
	}
	if len(failed) == len(SourceKinds) {
		return nil, &RetrievalError{Query: keywords, Errs: failed}
	}
	if len(failed) > 0 {
		o.logger.Warn("partial retrieval failure", "failed_kinds", len(failed), "error", errors.Join(failed...))
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].SourceKind.priority() < merged[j].SourceKind.priority()
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}

	if o.cache != nil && len(failed) == 0 {
		if err := o.cache.Set(ctx, key, merged, o.cfg.CacheTTL); err != nil {
			o.logger.Warn("retrieval cache write failed", "error", err)
		}
	}
	return merged, nil
}

func (o *Orchestrator) searchKind(ctx context.Context, query string, topK int, kind SourceKind) ([]RetrievedItem, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		items, err := o.searcher.Search(callCtx, query, topK, kind)
		cancel()
		if err == nil {
			return items, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Debug("retrieval attempt failed", "kind", kind, "attempt", attempt, "error", err)
		if attempt < o.cfg.MaxAttempts {
			if err := o.sleep(ctx, o.backoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", o.cfg.MaxAttempts, lastErr)
}
