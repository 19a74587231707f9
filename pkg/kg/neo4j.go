package kg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Neo4jConfig struct {
	Logger   *slog.Logger
	URI      string
	Username string
	Password string
	Database string
}

func (c *Neo4jConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URI == "" {
		return errors.New("uri is required")
	}
	if c.Username == "" {
		c.Username = "neo4j"
	}
	if c.Database == "" {
		c.Database = "neo4j"
	}
	return nil
}

// Neo4jSink mirrors the graph into Neo4j so it can be browsed and queried
// with Cypher alongside the SQL pipeline.
type Neo4jSink struct {
	log    *slog.Logger
	cfg    Neo4jConfig
	driver neo4j.DriverWithContext
}

func NewNeo4jSink(ctx context.Context, cfg Neo4jConfig) (*Neo4jSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate neo4j config: %w", err)
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}
	return &Neo4jSink{log: cfg.Logger, cfg: cfg, driver: driver}, nil
}

func (s *Neo4jSink) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

const (
	mergeMetric = `
UNWIND $rows AS row
MERGE (m:Metric {code: row.code})
SET m.name = row.name, m.formula = row.formula, m.components = row.components`
	mergeBucket = `
UNWIND $rows AS row
MERGE (b:Bucket {code: row.code})
SET b.name = row.name, b.ranges = row.ranges`
	mergeAccount = `
UNWIND $rows AS row
MERGE (a:Account {number: row.number})
SET a.description = row.description
WITH a, row
MATCH (b:Bucket {code: row.bucket})
MERGE (a)-[:IN_BUCKET]->(b)`
	mergeSynonym = `
UNWIND $rows AS row
MERGE (s:Term {text: row.primary})
SET s.category = row.category, s.equivalents = row.equivalents
WITH s, row
OPTIONAL MATCH (m:Metric {code: row.target})
OPTIONAL MATCH (b:Bucket {code: row.target})
FOREACH (_ IN CASE WHEN m IS NULL THEN [] ELSE [1] END | MERGE (s)-[:REFERS_TO]->(m))
FOREACH (_ IN CASE WHEN b IS NULL THEN [] ELSE [1] END | MERGE (s)-[:REFERS_TO]->(b))`
)

// Sync upserts every node and relationship of g.
func (s *Neo4jSink) Sync(ctx context.Context, g *Graph) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database})
	defer session.Close(ctx)

	var metrics, buckets, accounts, synonyms []map[string]any
	for _, m := range g.Metrics {
		metrics = append(metrics, map[string]any{
			"code": m.Code, "name": m.Name, "formula": m.Formula, "components": m.Components,
		})
	}
	for _, b := range g.Buckets {
		ranges := make([]string, len(b.Ranges))
		for i, r := range b.Ranges {
			ranges[i] = r.String()
		}
		buckets = append(buckets, map[string]any{"code": b.Code, "name": b.Name, "ranges": ranges})
	}
	for _, a := range g.Accounts {
		accounts = append(accounts, map[string]any{
			"number": a.Number, "description": a.Description, "bucket": a.BucketCode,
		})
	}
	for _, syn := range g.Synonyms {
		synonyms = append(synonyms, map[string]any{
			"primary": syn.Primary, "category": syn.Category, "equivalents": syn.Equivalents, "target": syn.Target,
		})
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, step := range []struct {
			query string
			rows  []map[string]any
		}{
			{mergeMetric, metrics},
			{mergeBucket, buckets},
			{mergeAccount, accounts},
			{mergeSynonym, synonyms},
		} {
			if len(step.rows) == 0 {
				continue
			}
			if _, err := tx.Run(ctx, step.query, map[string]any{"rows": step.rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync graph to Neo4j: %w", err)
	}
	s.log.Info("kg: graph synced to Neo4j", "metrics", len(metrics), "accounts", len(accounts))
	return nil
}
