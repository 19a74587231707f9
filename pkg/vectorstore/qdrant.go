package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

const payloadTableName = "table_name"

// tableNamespace derives stable point IDs from table names.
var tableNamespace = uuid.MustParse("6f1c3d52-8a0e-4a51-9d3e-2b7c9a1e5f40")

type QdrantConfig struct {
	Logger     *slog.Logger
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

func (c *QdrantConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Collection == "" {
		return errors.New("collection is required")
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	return nil
}

type QdrantStore struct {
	log        *slog.Logger
	client     *qdrant.Client
	collection string
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate qdrant config: %w", err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantStore{log: cfg.Logger, client: client, collection: cfg.Collection}, nil
}

// PointID is the UUIDv5 of a table name within the store's namespace.
func PointID(table string) string {
	return uuid.NewSHA1(tableNamespace, []byte(table)).String()
}

func (q *QdrantStore) EnsureCollection(ctx context.Context, dims int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("vectorstore: create collection %q: %w", q.collection, err)
	}
	q.log.Info("qdrant: created collection", "collection", q.collection, "dims", dims)
	return nil
}

func (q *QdrantStore) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, d := range docs {
		payload := make(map[string]any, len(d.Payload)+1)
		for k, v := range d.Payload {
			payload[k] = v
		}
		payload[payloadTableName] = d.ID
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(d.ID)),
			Vectors: qdrant.NewVectorsDense(d.Vector),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err)
	}
	return nil
}

func (q *QdrantStore) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	lim := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	if len(scored) == 0 {
		return nil, ErrEmpty
	}
	out := make([]Match, 0, len(scored))
	for _, sp := range scored {
		name := sp.GetPayload()[payloadTableName].GetStringValue()
		if name == "" {
			continue
		}
		out = append(out, Match{ID: name, Distance: 1 - float64(sp.GetScore())})
	}
	return out, nil
}

func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count: %w", err)
	}
	return int(n), nil
}

func (q *QdrantStore) Close() error {
	return q.client.Close()
}
