package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Project  string
	Database string
	Username string
	Password string

	DialTimeout      time.Duration
	MaxExecutionTime time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Project == "" {
		c.Project = c.Database
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxExecutionTime == 0 {
		c.MaxExecutionTime = 60 * time.Second
	}
	return nil
}

// Client is the warehouse: schema source, dry-run estimator and query
// runner over ClickHouse.
type Client struct {
	log  *slog.Logger
	cfg  Config
	conn driver.Conn
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.MaxExecutionTime.Seconds()),
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	cfg.Logger.Info("ClickHouse client initialized", "addr", cfg.Addr, "database", cfg.Database)
	return &Client{log: cfg.Logger, cfg: cfg, conn: conn}, nil
}

func (c *Client) Dialect() sqlstore.Dialect {
	return sqlstore.DialectWarehouse
}

func (c *Client) Close() error {
	return c.conn.Close()
}

const listColumnsQuery = `
SELECT
	c.table,
	t.comment,
	c.name,
	c.type,
	c.comment,
	t.metadata_modification_time
FROM system.columns AS c
INNER JOIN system.tables AS t ON c.database = t.database AND c.table = t.name
WHERE c.database = ?
ORDER BY c.table, c.position`

func (c *Client) ListTables(ctx context.Context) ([]schema.TableSchema, error) {
	rows, err := c.conn.Query(ctx, listColumnsQuery, c.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to query system.columns: %w", err)
	}
	defer rows.Close()

	var (
		tables []schema.TableSchema
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			table, tableComment, name, typ, colComment string
			modified                                   time.Time
		)
		if err := rows.Scan(&table, &tableComment, &name, &typ, &colComment, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		i, ok := index[table]
		if !ok {
			i = len(tables)
			index[table] = i
			tables = append(tables, schema.TableSchema{
				Project:     c.cfg.Project,
				Dataset:     c.cfg.Database,
				TableName:   table,
				Description: tableComment,
				ModifiedAt:  modified.UTC(),
			})
		}
		nullable := strings.HasPrefix(typ, "Nullable(")
		tables[i].Columns = append(tables[i].Columns, schema.Column{
			Name:        name,
			Type:        typ,
			Nullable:    nullable,
			Description: colComment,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return tables, nil
}

func (c *Client) LastModified(ctx context.Context) (time.Time, error) {
	var t time.Time
	row := c.conn.QueryRow(ctx, `SELECT max(metadata_modification_time) FROM system.tables WHERE database = ?`, c.cfg.Database)
	if err := row.Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("failed to read last modification time: %w", err)
	}
	return t.UTC(), nil
}

// DryRun asks ClickHouse for a read estimate without running the query.
func (c *Client) DryRun(ctx context.Context, sql string) (sqlstore.Estimate, error) {
	rows, err := c.conn.Query(ctx, "EXPLAIN ESTIMATE "+strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if err != nil {
		return sqlstore.Estimate{}, err
	}
	defer rows.Close()

	var est sqlstore.Estimate
	for rows.Next() {
		var (
			database, table string
			parts, rowCount uint64
			marks           uint64
		)
		if err := rows.Scan(&database, &table, &parts, &rowCount, &marks); err != nil {
			return sqlstore.Estimate{}, fmt.Errorf("failed to scan estimate: %w", err)
		}
		est.EstimatedRows += int64(rowCount)
	}
	if err := rows.Err(); err != nil {
		return sqlstore.Estimate{}, err
	}
	est.EstimatedCost = float64(est.EstimatedRows)
	return est, nil
}

func (c *Client) Query(ctx context.Context, sql string) (sqlstore.Result, error) {
	start := time.Now()
	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		return sqlstore.Result{}, err
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := rows.Columns()

	var out []map[string]any
	for rows.Next() {
		ptrs := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			ptrs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(ptrs...); err != nil {
			return sqlstore.Result{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = deref(ptrs[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return sqlstore.Result{}, fmt.Errorf("error iterating rows: %w", err)
	}
	return sqlstore.Result{
		Columns:       columns,
		Rows:          out,
		ExecutionTime: time.Since(start),
	}, nil
}

func deref(ptr any) any {
	v := reflect.ValueOf(ptr).Elem()
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if b, ok := v.Interface().([]byte); ok {
		return string(b)
	}
	return v.Interface()
}
