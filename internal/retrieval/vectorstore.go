package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for chunk storage and similarity search.
// The SQLite implementation keeps every chunk in one table and filters by
// source kind.
type VectorStore interface {
	// Insert adds records in a single transaction.
	Insert(ctx context.Context, records []Record) error

	// Search returns the top-K records of the given kind by cosine similarity.
	Search(ctx context.Context, vector []float32, topK int, kind SourceKind) ([]ScoredRecord, error)

	// Recent returns the newest records of the given kind, newest first.
	Recent(ctx context.Context, kind SourceKind, limit int) ([]Record, error)

	// DeleteDocument removes every chunk of a document and reports how many.
	DeleteDocument(ctx context.Context, documentID string) (int, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)
}

// Record is one embedded chunk of an indexed document.
type Record struct {
	ID         string
	DocumentID string
	SourceKind SourceKind
	ChunkIndex int
	TextChunk  string
	Embedding  []float32
	Metadata   string // JSON object stored as text
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
