package engine

import (
	"context"
	"fmt"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend         string
	OllamaEndpoints string
	GeminiAPIKey    string
}

// Detect builds the configured backend. An empty backend means Ollama.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoints), nil
	case "gemini":
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
