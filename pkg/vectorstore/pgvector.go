package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorStore keeps table embeddings in Postgres next to the agent store.
// The pool must have pgvector types registered (see postgres.NewPool).
type PGVectorStore struct {
	pool *pgxpool.Pool
}

func NewPGVectorStore(pool *pgxpool.Pool) (*PGVectorStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PGVectorStore{pool: pool}, nil
}

func (s *PGVectorStore) EnsureCollection(ctx context.Context, dims int) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("vectorstore: create vector extension: %w", err)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS table_embeddings (
			table_name TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dims))
	if err != nil {
		return fmt.Errorf("vectorstore: create table_embeddings: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range docs {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return fmt.Errorf("vectorstore: marshal payload for %s: %w", d.ID, err)
		}
		batch.Queue(`
			INSERT INTO table_embeddings (table_name, embedding, payload, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (table_name) DO UPDATE
			SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload, updated_at = NOW()`,
			d.ID, pgvector.NewVector(d.Vector), payload)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("vectorstore: upsert %d embeddings: %w", len(docs), err)
	}
	return nil
}

func (s *PGVectorStore) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_name, embedding <=> $1 AS distance
		 FROM table_embeddings
		 ORDER BY distance
		 LIMIT $2`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Distance); err != nil {
			return nil, fmt.Errorf("vectorstore: scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM table_embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorstore: count: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PGVectorStore) Close() error {
	return nil
}
