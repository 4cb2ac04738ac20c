package engine

import "context"

// Engine abstracts a text generation and embedding backend (Ollama or
// Gemini). Summarization and retrieval depend on this interface instead of a
// concrete client.
type Engine interface {
	// Chat returns the model's reply to messages.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error)

	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by backends that host models locally and can
// download missing ones.
type ModelManager interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
