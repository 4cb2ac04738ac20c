// Package api exposes the command pipeline, scheduler and document index
// over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cmdsched/internal/pipeline"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/scheduler"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/task"
)

const (
	maxRequestBodySize  = 1 << 20  // 1MB
	maxDocumentBodySize = 20 << 20 // 20MB, base64 PDFs
)

type CommandProcessor interface {
	Process(ctx context.Context, cmd pipeline.Command) (pipeline.Response, error)
}

type Searcher interface {
	Retrieve(ctx context.Context, keywords string, topK int) ([]retrieval.RetrievedItem, error)
}

type ActionScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (task.Action, error)
	Cancel(ctx context.Context, id string) (task.Action, error)
	Status(ctx context.Context, id string) (task.Report, error)
	List(ctx context.Context, f storage.TaskFilter) ([]task.Report, error)
	Counts(ctx context.Context) (map[task.Status]int, error)
}

type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]storage.Document, error)
}

// Deps holds what the HTTP and MCP surfaces call into.
type Deps struct {
	Pipeline   CommandProcessor
	Search     Searcher
	Scheduler  ActionScheduler
	Documents  DocumentReader
	Token      string
	HTTPClient *http.Client // URL fetches for /v1/documents
	Logger     *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewHandler returns the HTTP API. Everything under /v1 requires the bearer
// token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/commands", handleCommand(deps))
		r.Post("/search", handleSearch(deps))

		r.Post("/actions", handleCreateAction(deps))
		r.Get("/actions", handleListActions(deps))
		r.Get("/actions/counts", handleActionCounts(deps))
		r.Get("/actions/{id}", handleGetAction(deps))
		r.Delete("/actions/{id}", handleCancelAction(deps))

		r.Post("/documents", handleCreateDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type commandRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func handleCommand(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := deps.Pipeline.Process(r.Context(), pipeline.Command{
			Text:      req.Query,
			Context:   req.Context,
			RequestID: r.Header.Get("X-Request-ID"),
		})
		if err != nil {
			if !pipeline.IsClientError(err) {
				deps.logger().Error("command failed", "error", err)
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TopK < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "top_k must be positive")
			return
		}

		items, err := deps.Search.Retrieve(r.Context(), req.Query, req.TopK)
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []retrieval.RetrievedItem{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": items})
	}
}

func handleCreateAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req scheduler.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		action, err := deps.Scheduler.Schedule(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, action)
	}
}

func handleListActions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.TaskFilter{
			Limit:  parseIntParam(r, "limit", 50, 500),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if s := q.Get("status"); s != "" {
			status, err := task.ParseStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			f.Status = status
		}
		if k := q.Get("action_type"); k != "" {
			kind, err := task.ParseKind(k)
			if err != nil {
				writeError(w, err)
				return
			}
			f.Kind = kind
		}

		reports, err := deps.Scheduler.List(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		if reports == nil {
			reports = []task.Report{}
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func handleActionCounts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Scheduler.Counts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handleGetAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Scheduler.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleCancelAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action, err := deps.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, action)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
