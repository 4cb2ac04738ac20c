package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SourceKind is the kind of corpus a retrieved item comes from.
type SourceKind string

const (
	KindDocument SourceKind = "document"
	KindText     SourceKind = "text"
	KindImage    SourceKind = "image"
)

// SourceKinds lists every kind in merge priority order.
var SourceKinds = []SourceKind{KindDocument, KindText, KindImage}

// priority orders kinds for tie-breaking; lower sorts first.
func (k SourceKind) priority() int {
	switch k {
	case KindDocument:
		return 0
	case KindText:
		return 1
	case KindImage:
		return 2
	}
	return len(SourceKinds)
}

// ParseSourceKind accepts the wire form of a kind. Empty means document.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindDocument:
		return KindDocument, nil
	case KindText:
		return KindText, nil
	case KindImage:
		return KindImage, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// RetrievedItem is one search hit. Higher Score is better.
type RetrievedItem struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SourceKind SourceKind     `json:"source_kind"`
}

// Searcher is the retrieval collaborator queried once per source kind.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, kind SourceKind) ([]RetrievedItem, error)
}

// VectorSearcher answers searches by embedding the query and scanning the
// vector store. An empty query returns the most recent chunks instead.
type VectorSearcher struct {
	embedder *Embedder
	store    VectorStore
}

func NewVectorSearcher(embedder *Embedder, store VectorStore) *VectorSearcher {
	return &VectorSearcher{embedder: embedder, store: store}
}

func (v *VectorSearcher) Search(ctx context.Context, query string, topK int, kind SourceKind) ([]RetrievedItem, error) {
	if strings.TrimSpace(query) == "" {
		recs, err := v.store.Recent(ctx, kind, topK)
		if err != nil {
			return nil, err
		}
		items := make([]RetrievedItem, len(recs))
		for i, r := range recs {
			items[i] = toItem(r, 0)
		}
		return items, nil
	}

	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scored, err := v.store.Search(ctx, vec, topK, kind)
	if err != nil {
		return nil, err
	}
	items := make([]RetrievedItem, len(scored))
	for i, s := range scored {
		items[i] = toItem(s.Record, s.Score)
	}
	return items, nil
}

func toItem(r Record, score float32) RetrievedItem {
	meta := map[string]any{}
	if r.Metadata != "" {
		// Malformed metadata is dropped rather than failing the search.
		_ = json.Unmarshal([]byte(r.Metadata), &meta)
	}
	meta["document_id"] = r.DocumentID
	meta["chunk_index"] = r.ChunkIndex
	return RetrievedItem{
		ID:         r.ID,
		Content:    r.TextChunk,
		Score:      float64(score),
		Metadata:   meta,
		SourceKind: r.SourceKind,
	}
}
