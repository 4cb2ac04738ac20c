package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/task"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
)

// DocumentStore persists document rows.
type DocumentStore interface {
	SaveDocument(ctx context.Context, d storage.Document) error
}

// ChunkEmbedder generates embeddings for a batch of texts.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter stores and replaces document chunks.
type VectorWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteDocument(ctx context.Context, documentID string) (int, error)
}

// Format names the encoding of Doc.Content.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// Doc is a document to index. An empty ID gets a fresh uuid; indexing an
// existing ID replaces its chunks. When Image is set its description is
// indexed in place of Content.
type Doc struct {
	ID         string
	Title      string
	Source     string
	SourceKind retrieval.SourceKind
	Content    string
	Format     Format
	Image      []byte
}

// Result describes an indexed document.
type Result struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

// Indexer splits documents into overlapping chunks, embeds them, and writes
// both the document row and its vectors.
type Indexer struct {
	docs      DocumentStore
	embedder  ChunkEmbedder
	vectors   VectorWriter
	describer ImageDescriber
	chunkSize int
	overlap   int
	now       func() time.Time
	logger    *slog.Logger
}

func NewIndexer(docs DocumentStore, embedder ChunkEmbedder, vectors VectorWriter) *Indexer {
	return &Indexer{
		docs:      docs,
		embedder:  embedder,
		vectors:   vectors,
		chunkSize: defaultChunkSize,
		overlap:   defaultChunkOverlap,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// WithDescriber enables image documents.
func (ix *Indexer) WithDescriber(d ImageDescriber) *Indexer {
	ix.describer = d
	return ix
}

func (ix *Indexer) WithLogger(l *slog.Logger) *Indexer {
	ix.logger = l
	return ix
}

// Index extracts text, chunks, embeds, and stores the document. Empty
// content is a *task.ValidationError.
func (ix *Indexer) Index(ctx context.Context, doc Doc) (Result, error) {
	text := doc.Content
	if len(doc.Image) > 0 {
		if ix.describer == nil {
			return Result{}, &task.ValidationError{Field: "image", Reason: "image indexing is not configured"}
		}
		desc, err := ix.describer.DescribeImage(ctx, doc.Image)
		if err != nil {
			return Result{}, err
		}
		text = desc
		if doc.SourceKind == "" {
			doc.SourceKind = retrieval.KindImage
		}
	} else if doc.Format == FormatHTML {
		title, body, err := ExtractHTML(strings.NewReader(doc.Content))
		if err != nil {
			return Result{}, &task.ValidationError{Field: "content", Reason: "unparseable HTML: " + err.Error()}
		}
		if doc.Title == "" {
			doc.Title = title
		}
		text = body
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, &task.ValidationError{Field: "content", Reason: "document has no text"}
	}

	kind := doc.SourceKind
	if kind == "" {
		kind = retrieval.KindDocument
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	chunks := Chunk(text, ix.chunkSize, ix.overlap)
	vecs, err := ix.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return Result{}, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	meta, err := json.Marshal(map[string]string{"title": doc.Title, "source": doc.Source})
	if err != nil {
		return Result{}, err
	}
	now := ix.now()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         fmt.Sprintf("%s-%d", doc.ID, i),
			DocumentID: doc.ID,
			SourceKind: kind,
			ChunkIndex: i,
			TextChunk:  c,
			Embedding:  vecs[i],
			Metadata:   string(meta),
			CreatedAt:  now,
		}
	}

	// Re-running an index for the same id, as on retry, replaces its chunks.
	if n, err := ix.vectors.DeleteDocument(ctx, doc.ID); err != nil {
		return Result{}, fmt.Errorf("clearing old chunks: %w", err)
	} else if n > 0 {
		ix.logger.Debug("replacing document chunks", "document_id", doc.ID, "old_chunks", n)
	}
	if err := ix.vectors.Insert(ctx, records); err != nil {
		return Result{}, fmt.Errorf("inserting vectors: %w", err)
	}

	if err := ix.docs.SaveDocument(ctx, storage.Document{
		ID:         doc.ID,
		Title:      doc.Title,
		Source:     doc.Source,
		SourceKind: string(kind),
		Content:    text,
		Chunks:     len(chunks),
		CreatedAt:  now,
	}); err != nil {
		return Result{}, err
	}

	ix.logger.Info("document indexed", "document_id", doc.ID, "chunks", len(chunks), "source_kind", kind)
	return Result{DocumentID: doc.ID, Chunks: len(chunks)}, nil
}

// Chunk splits text into pieces of at most size runes, each starting
// overlap runes before the end of the previous one. Cuts prefer the last
// whitespace in the second half of a window.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	r := []rune(text)
	if len(r) <= size {
		return []string{strings.TrimSpace(text)}
	}

	var out []string
	start := 0
	for start < len(r) {
		end := min(start+size, len(r))
		if end < len(r) {
			for i := end - 1; i > start+size/2; i-- {
				if unicode.IsSpace(r[i]) {
					end = i
					break
				}
			}
		}
		if piece := strings.TrimSpace(string(r[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
