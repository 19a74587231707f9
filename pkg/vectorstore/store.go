// Package vectorstore stores one embedding per warehouse table and answers
// nearest-neighbour queries by cosine distance.
package vectorstore

import (
	"context"
	"errors"
)

var ErrEmpty = errors.New("vectorstore: empty")

// Document is a table's embedding. ID is the table name.
type Document struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is a search hit. Distance is 1 - cosine similarity; lower is closer.
type Match struct {
	ID       string
	Distance float64
}

type Store interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, docs []Document) error
	Search(ctx context.Context, vector []float32, limit int) ([]Match, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
