package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/cmdsched/internal/task"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so that stored timestamps order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString, column string) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", column, err)
	}
	return &t, nil
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status task.Status
	Kind   task.Kind
	Limit  int
	Offset int
}

// Document is an indexed source document. Its chunks live in doc_vectors.
type Document struct {
	ID         string
	Title      string
	Source     string
	SourceKind string
	Content    string
	Chunks     int
	CreatedAt  time.Time
}
