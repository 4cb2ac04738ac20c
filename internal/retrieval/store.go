package retrieval

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides chunk storage and brute-force cosine similarity
// search over the doc_vectors table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB. The doc_vectors table must
// already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO doc_vectors (id, document_id, source_kind, chunk_index, text_chunk, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		meta := r.Metadata
		if meta == "" {
			meta = "{}"
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.DocumentID, string(r.SourceKind), r.ChunkIndex,
			r.TextChunk, vectorBlob(r.Embedding), meta, createdAt.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Search scores every chunk of the kind reading only id and embedding, then
// loads the winners in full.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, kind SourceKind) ([]ScoredRecord, error) {
	qm := magnitude(vector)
	if topK <= 0 || qm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM doc_vectors WHERE source_kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("scan %s vectors: %w", kind, err)
	}
	defer rows.Close()

	best := newBestHits(topK)
	var vec []float32
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		if vec, err = blobVector(vec, blob); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		}
		best.offer(id, similarity(vector, vec, qm))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(best.hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(best.hits))
	scores := make(map[string]float32, len(best.hits))
	for i, h := range best.hits {
		ids[i] = h.id
		scores[h.id] = h.score
	}
	records, err := s.getByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredRecord, len(records))
	for i, r := range records {
		out[i] = ScoredRecord{Record: r, Score: scores[r.ID]}
	}
	// IN does not preserve order. Equal scores order by chunk id.
	slices.SortStableFunc(out, func(a, b ScoredRecord) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, kind SourceKind, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, source_kind, chunk_index, text_chunk, embedding, metadata, created_at
		FROM doc_vectors WHERE source_kind = ?
		ORDER BY created_at DESC, document_id, chunk_index
		LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent vectors: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) getByIDs(ctx context.Context, ids []string) ([]Record, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, source_kind, chunk_index, text_chunk, embedding, metadata, created_at
		FROM doc_vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var kind, createdAt string
		var blob []byte
		if err := rows.Scan(&r.ID, &r.DocumentID, &kind, &r.ChunkIndex, &r.TextChunk, &blob, &r.Metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.SourceKind = SourceKind(kind)
		emb, err := blobVector(nil, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = emb
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM doc_vectors WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_vectors`).Scan(&n)
	return n, err
}
