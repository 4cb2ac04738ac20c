package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GeminiEngine generates and embeds through the Gemini API.
type GeminiEngine struct {
	client *genai.Client
}

func NewGeminiEngine(ctx context.Context, apiKey string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{client: client}, nil
}

// Chat maps system messages to the system instruction and the rest of the
// conversation to user and model turns.
func (e *GeminiEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, userContent(m))
		}
	}
	if len(contents) == 0 {
		return "", errors.New("gemini chat: no user content")
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	cfg.Temperature = opts.Temperature
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	resp, err := e.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}

// userContent is a user turn with any images sent inline ahead of the text.
func userContent(m Message) *genai.Content {
	if len(m.Images) == 0 {
		return genai.NewContentFromText(m.Content, genai.RoleUser)
	}
	parts := make([]*genai.Part, 0, len(m.Images)+1)
	for _, img := range m.Images {
		parts = append(parts, genai.NewPartFromBytes(img, http.DetectContentType(img)))
	}
	parts = append(parts, genai.NewPartFromText(m.Content))
	return genai.NewContentFromParts(parts, genai.RoleUser)
}

func (e *GeminiEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, errors.New("gemini embed: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// IsRunning reports true once a client exists; the hosted API has no cheap
// liveness probe and failures surface on the first call instead.
func (e *GeminiEngine) IsRunning(ctx context.Context) bool {
	return e.client != nil
}
