package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/cmdsched/internal/engine"
	"golang.org/x/sync/errgroup"
)

const defaultEmbedParallelism = 4

// ErrEmptyEmbedding is returned when the backend answers with a zero-length vector.
var ErrEmptyEmbedding = errors.New("embedding is empty")

// Embedder turns query and chunk text into vectors using a single model, so
// that every vector in the store shares one dimension.
type Embedder struct {
	engine      engine.Engine
	model       string
	parallelism int
}

func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, parallelism: defaultEmbedParallelism}
}

// WithParallelism bounds concurrent backend calls in EmbedBatch. Values
// below one are ignored.
func (e *Embedder) WithParallelism(n int) *Embedder {
	if n > 0 {
		e.parallelism = n
	}
	return e
}

func (e *Embedder) Model() string { return e.model }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embed with %s: %w", e.model, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embed with %s: %w", e.model, ErrEmptyEmbedding)
	}
	return vec, nil
}

// EmbedBatch embeds document chunks in input order. The first failure
// cancels the rest. All returned vectors have the same dimension.
func (e *Embedder) EmbedBatch(ctx context.Context, chunks []string) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range chunks {
		g.Go(func() error {
			vec, err := e.Embed(gctx, chunks[i])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out[1:] {
		if len(v) != dim {
			return nil, fmt.Errorf("chunk %d: dimension %d differs from %d", i+1, len(v), dim)
		}
	}
	return out, nil
}
