package engine

// Message is one turn of a chat exchange. Role is "system", "user" or
// "assistant". Images holds raw image bytes for vision models and
// serializes as base64 strings.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

// ChatOptions tunes one generation. Zero values leave the backend default.
type ChatOptions struct {
	Temperature *float32
	// MaxTokens caps the generated output.
	MaxTokens int
}

// Float32 returns a pointer to v, for ChatOptions.Temperature.
func Float32(v float32) *float32 { return &v }

// PullProgress is one progress line from a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
