package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/cmdsched/internal/engine"
)

const systemPrompt = `You are a summarization engine. Summarize the numbered context passages for a reader who has not seen them. Output ONLY the summary text, with no heading, label, or preamble.

Rules:
- Use only facts stated in the passages.
- Prefer the higher-ranked passages when they disagree.
- Write in the language of the passages.`

// BuildPrompt constructs the chat messages for one summary request.
func BuildPrompt(chunks []Chunk, maxLength int) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarize the following in approximately %d characters.\n", maxLength)
	for i, c := range chunks {
		fmt.Fprintf(&sb, "\n[%d]", i+1)
		if c.Source != "" {
			fmt.Fprintf(&sb, " (%s)", c.Source)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n")
	}

	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// EngineGenerator produces summaries with a chat model.
type EngineGenerator struct {
	engine engine.Engine
	model  string
}

func NewEngineGenerator(e engine.Engine, model string) *EngineGenerator {
	return &EngineGenerator{engine: e, model: model}
}

// GenerateSummary runs at a low temperature with an output cap loose enough
// for maxLength characters; Normalize enforces the exact length.
func (g *EngineGenerator) GenerateSummary(ctx context.Context, chunks []Chunk, maxLength int) (string, error) {
	return g.engine.Chat(ctx, g.model, BuildPrompt(chunks, maxLength), chatOptions(maxLength))
}

func chatOptions(maxLength int) engine.ChatOptions {
	return engine.ChatOptions{
		Temperature: engine.Float32(0.2),
		MaxTokens:   maxLength + 64,
	}
}
