package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// OllamaEngine talks to one or more Ollama servers. Calls start at the next
// endpoint in round-robin order and fail over to the following endpoints,
// sleeping a little longer after each failed attempt.
type OllamaEngine struct {
	endpoints  []string
	httpClient *http.Client
	next       atomic.Uint64

	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewOllamaEngine creates an engine for a comma-separated list of base URLs.
func NewOllamaEngine(endpoints string) *OllamaEngine {
	var urls []string
	for _, u := range strings.Split(endpoints, ",") {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		urls = []string{"http://localhost:11434"}
	}
	return &OllamaEngine{
		endpoints:  urls,
		httpClient: &http.Client{},
		attempts:   3,
		backoff:    500 * time.Millisecond,
		sleep:      sleepCtx,
		logger:     slog.Default(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Endpoints returns the configured base URLs.
func (e *OllamaEngine) Endpoints() []string {
	return append([]string(nil), e.endpoints...)
}

// do runs call against endpoints in round-robin order until one succeeds or
// the attempt budget is spent.
func (e *OllamaEngine) do(ctx context.Context, op string, call func(baseURL string) error) error {
	start := int(e.next.Add(1) - 1)
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		base := e.endpoints[(start+attempt)%len(e.endpoints)]
		err := call(base)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		e.logger.Warn("ollama call failed", "op", op, "endpoint", base, "attempt", attempt+1, "error", err)
		if attempt < e.attempts-1 {
			if err := e.sleep(ctx, e.backoff*time.Duration(attempt+1)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, e.attempts, lastErr)
}

func (e *OllamaEngine) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	req := ollamaChatRequest{Model: model, Messages: messages}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		req.Options = map[string]any{}
		if opts.Temperature != nil {
			req.Options["temperature"] = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			req.Options["num_predict"] = opts.MaxTokens
		}
	}
	var out ollamaChatResponse
	err := e.do(ctx, "chat", func(base string) error {
		return e.postJSON(ctx, base+"/api/chat", req, &out)
	})
	if err != nil {
		return "", err
	}
	return out.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var out ollamaEmbedResponse
	err := e.do(ctx, "embed", func(base string) error {
		return e.postJSON(ctx, base+"/api/embed", ollamaEmbedRequest{Model: model, Input: text}, &out)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("embed: empty embeddings in response")
	}
	return out.Embeddings[0], nil
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (e *OllamaEngine) listModels(ctx context.Context, base string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// IsRunning reports whether at least one endpoint answers.
func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	for _, base := range e.endpoints {
		if _, err := e.listModels(ctx, base); err == nil {
			return true
		}
	}
	return false
}

// HasModel reports whether every endpoint has the model, so that failover
// never lands on a server that would have to load or pull it.
func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	for _, base := range e.endpoints {
		models, err := e.listModels(ctx, base)
		if err != nil || !containsModel(models, name) {
			return false
		}
	}
	return true
}

func containsModel(models []string, name string) bool {
	for _, m := range models {
		// Ollama reports "llama3.2:latest" for "llama3.2".
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type ollamaPullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullModel downloads the model on every reachable endpoint that lacks it.
func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	for _, base := range e.endpoints {
		models, err := e.listModels(ctx, base)
		if err != nil {
			e.logger.Warn("skipping unreachable ollama endpoint", "endpoint", base, "error", err)
			continue
		}
		if containsModel(models, name) {
			continue
		}
		if err := e.pull(ctx, base, name, onProgress); err != nil {
			return err
		}
	}
	return nil
}

func (e *OllamaEngine) pull(ctx context.Context, base, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(ollamaPullRequest{Name: name, Stream: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}
