package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

type StoreConfig struct {
	Logger           *slog.Logger
	Pool             *pgxpool.Pool
	Clock            clockwork.Clock
	Project          string
	Schema           string
	StatementTimeout time.Duration
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.Project == "" {
		c.Project = "postgres"
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = 60 * time.Second
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig

	mu          sync.Mutex
	fingerprint string
	changedAt   time.Time
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres store config: %w", err)
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Store) Dialect() sqlstore.Dialect {
	return sqlstore.DialectPostgres
}

type explainPlan struct {
	Plan struct {
		TotalCost float64 `json:"Total Cost"`
		PlanRows  float64 `json:"Plan Rows"`
		PlanWidth float64 `json:"Plan Width"`
	} `json:"Plan"`
}

// DryRun plans the statement with EXPLAIN; nothing is executed.
func (s *Store) DryRun(ctx context.Context, sql string) (sqlstore.Estimate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatementTimeout)
	defer cancel()

	var raw []byte
	stmt := "EXPLAIN (FORMAT JSON) " + strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if err := s.cfg.Pool.QueryRow(ctx, stmt).Scan(&raw); err != nil {
		return sqlstore.Estimate{}, err
	}
	var plans []explainPlan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return sqlstore.Estimate{}, fmt.Errorf("failed to decode explain output: %w", err)
	}
	if len(plans) == 0 {
		return sqlstore.Estimate{}, errors.New("explain returned no plan")
	}
	p := plans[0].Plan
	return sqlstore.Estimate{
		BytesProcessed: int64(p.PlanRows * p.PlanWidth),
		EstimatedRows:  int64(p.PlanRows),
		EstimatedCost:  p.TotalCost,
	}, nil
}

func (s *Store) Query(ctx context.Context, sql string) (sqlstore.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatementTimeout)
	defer cancel()

	start := s.cfg.Clock.Now()
	rows, err := s.cfg.Pool.Query(ctx, sql)
	if err != nil {
		return sqlstore.Result{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var (
		out   []map[string]any
		bytes int64
	)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return sqlstore.Result{}, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = cache.Sanitize(values[i])
		}
		for _, b := range rows.RawValues() {
			bytes += int64(len(b))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return sqlstore.Result{}, err
	}
	return sqlstore.Result{
		Columns:        columns,
		Rows:           out,
		ExecutionTime:  s.cfg.Clock.Since(start),
		BytesProcessed: bytes,
	}, nil
}

const listColumnsQuery = `
SELECT
	c.table_name,
	COALESCE(obj_description(format('%I.%I', c.table_schema, c.table_name)::regclass, 'pg_class'), ''),
	c.column_name,
	c.data_type,
	c.is_nullable = 'YES',
	COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position::int), '')
FROM information_schema.columns AS c
INNER JOIN information_schema.tables AS t
	ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type IN ('BASE TABLE', 'VIEW')
ORDER BY c.table_name, c.ordinal_position`

func (s *Store) ListTables(ctx context.Context) ([]schema.TableSchema, error) {
	rows, err := s.cfg.Pool.Query(ctx, listColumnsQuery, s.cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query information_schema: %w", err)
	}
	defer rows.Close()

	var (
		tables []schema.TableSchema
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			table, tableComment, name, typ, colComment string
			nullable                                   bool
		)
		if err := rows.Scan(&table, &tableComment, &name, &typ, &nullable, &colComment); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		i, ok := index[table]
		if !ok {
			i = len(tables)
			index[table] = i
			tables = append(tables, schema.TableSchema{
				Project:     s.cfg.Project,
				Dataset:     s.cfg.Schema,
				TableName:   table,
				Description: tableComment,
			})
		}
		tables[i].Columns = append(tables[i].Columns, schema.Column{
			Name:        name,
			Type:        strings.ToUpper(typ),
			Nullable:    nullable,
			Description: colComment,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return tables, nil
}

const fingerprintQuery = `
SELECT COALESCE(string_agg(table_name || '.' || column_name || ':' || data_type, ',' ORDER BY table_name, ordinal_position), '')
FROM information_schema.columns
WHERE table_schema = $1`

// LastModified reports when this process first observed the current column
// catalog. Postgres keeps no DDL timestamps, so changes are detected by
// fingerprinting information_schema.
func (s *Store) LastModified(ctx context.Context) (time.Time, error) {
	var catalog string
	if err := s.cfg.Pool.QueryRow(ctx, fingerprintQuery, s.cfg.Schema).Scan(&catalog); err != nil {
		return time.Time{}, fmt.Errorf("failed to fingerprint catalog: %w", err)
	}
	sum := sha256.Sum256([]byte(catalog))
	fp := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if fp != s.fingerprint {
		if s.fingerprint != "" {
			s.log.Info("postgres: catalog changed", "schema", s.cfg.Schema)
		}
		s.fingerprint = fp
		s.changedAt = s.cfg.Clock.Now().UTC()
	}
	return s.changedAt, nil
}
