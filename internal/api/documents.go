package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cmdsched/internal/ingest"
	"github.com/kalambet/cmdsched/internal/scheduler"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/task"
)

const urlFetchTimeout = 30 * time.Second

// DocumentRequest submits a document for indexing. Exactly one of Content,
// ContentBase64 or URL is set. ContentBase64 holds a PDF, or an image when
// ContentType (or the sniffed type) is image/*; images are indexed by their
// model-generated description.
type DocumentRequest struct {
	Title         string `json:"title"`
	Source        string `json:"source"`
	SourceKind    string `json:"source_kind"`
	Format        string `json:"format"`
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	ContentType   string `json:"content_type"`
	URL           string `json:"url"`
}

type documentView struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Source     string    `json:"source"`
	SourceKind string    `json:"source_kind"`
	Chunks     int       `json:"chunks"`
	Status     string    `json:"status"`
	Content    string    `json:"content,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func viewOf(d storage.Document, withContent bool) documentView {
	v := documentView{
		ID:         d.ID,
		Title:      d.Title,
		Source:     d.Source,
		SourceKind: d.SourceKind,
		Chunks:     d.Chunks,
		Status:     "indexed",
		CreatedAt:  d.CreatedAt,
	}
	if withContent {
		v.Content = d.Content
	}
	return v
}

func handleCreateDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		set := 0
		for _, s := range []string{req.Content, req.ContentBase64, req.URL} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "exactly one of content, content_base64 or url is required")
			return
		}

		params := task.Params{
			"title":       req.Title,
			"source":      req.Source,
			"source_kind": req.SourceKind,
		}
		switch {
		case req.Content != "":
			params["content"] = req.Content
			if req.Format != "" {
				params["format"] = req.Format
			}

		case req.ContentBase64 != "":
			data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			if mime, ok := ingest.ImageType(data, req.ContentType); ok {
				params["image_base64"] = req.ContentBase64
				params["mime_type"] = mime
				break
			}
			text, err := ingest.ExtractPDF(data)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading PDF: %v", err)
				return
			}
			params["content"] = text

		default:
			if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url must be http or https")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), urlFetchTimeout)
			defer cancel()
			fetched, err := ingest.Fetch(ctx, deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			params["content"] = fetched.Text
			if req.Title == "" {
				params["title"] = fetched.Title
			}
			if req.Source == "" {
				params["source"] = req.URL
			}
		}

		action, err := deps.Scheduler.Schedule(r.Context(), scheduler.Request{Kind: task.KindIndex, Params: params})
		if err != nil {
			writeError(w, err)
			return
		}
		// The index task stores the document under its own id.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":      action.ID,
			"task_id": action.ID,
			"status":  "queued",
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Documents.ListDocuments(r.Context(), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]documentView, 0, len(docs))
		for _, d := range docs {
			out = append(out, viewOf(d, false))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Documents.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(d, true))
	}
}
