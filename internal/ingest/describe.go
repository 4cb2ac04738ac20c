package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kalambet/cmdsched/internal/engine"
)

const describePrompt = "Describe this image in detail. Transcribe any visible text."

// ImageDescriber turns image bytes into text that can be chunked and
// embedded like any other document.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, data []byte) (string, error)
}

// EngineDescriber asks a vision-capable chat model for a description.
type EngineDescriber struct {
	eng   engine.Engine
	model string
}

var _ ImageDescriber = (*EngineDescriber)(nil)

func NewEngineDescriber(eng engine.Engine, model string) *EngineDescriber {
	return &EngineDescriber{eng: eng, model: model}
}

func (d *EngineDescriber) DescribeImage(ctx context.Context, data []byte) (string, error) {
	out, err := d.eng.Chat(ctx, d.model, []engine.Message{
		{Role: "user", Content: describePrompt, Images: [][]byte{data}},
	}, engine.ChatOptions{Temperature: engine.Float32(0.2)})
	if err != nil {
		return "", fmt.Errorf("describing image with %s: %w", d.model, err)
	}
	return strings.TrimSpace(out), nil
}

// ImageType returns the MIME type of data and whether it is an image. A
// declared type wins over the sniffed one.
func ImageType(data []byte, declared string) (string, bool) {
	mime := strings.ToLower(strings.TrimSpace(declared))
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return mime, strings.HasPrefix(mime, "image/")
}
