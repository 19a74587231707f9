package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRedisAddr        = "localhost:6379"
	DefaultQdrantPort       = 6334
	DefaultCollection       = "table_schemas"
	DefaultEmbeddingModel   = "text-embedding-3-small"
	DefaultEmbeddingDims    = 1536
	DefaultHashDims         = 256
	DefaultLLMModel         = "claude-sonnet-4-5"
	DefaultLLMMaxTokens     = 4096
	DefaultLLMMaxRetries    = 3
	DefaultRetryBase        = time.Second
	DefaultMaxTables        = 5
	DefaultCheckInterval    = 60 * time.Second
	DefaultBatchLimit       = 10
	DefaultConcurrency      = 4
	DefaultServiceName      = "nl2sql"
	DefaultMetricsAddr      = "0.0.0.0:0"
	DefaultStatementTimeout = 60 * time.Second
)

// ForEnv returns the defaults for an environment. Development runs with
// in-process backends so nothing external is required.
func ForEnv(env string) (*Config, error) {
	cfg := &Config{
		Env: env,
		Cache: CacheConfig{
			Backend:   "redis",
			RedisAddr: DefaultRedisAddr,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      DefaultEmbeddingModel,
			BaseURL:    "https://api.openai.com/v1",
			Dimensions: DefaultEmbeddingDims,
			Timeout:    30 * time.Second,
		},
		VectorStore: VectorStoreConfig{
			Backend:    "qdrant",
			QdrantHost: "localhost",
			QdrantPort: DefaultQdrantPort,
			Collection: DefaultCollection,
		},
		Postgres: PostgresConfig{
			MaxConns:         10,
			MinConns:         2,
			StatementTimeout: DefaultStatementTimeout,
		},
		LLM: LLMConfig{
			Model:             DefaultLLMModel,
			MaxTokens:         DefaultLLMMaxTokens,
			MaxRetries:        DefaultLLMMaxRetries,
			RetryBaseInterval: DefaultRetryBase,
		},
		Retriever: RetrieverConfig{
			MaxTables: DefaultMaxTables,
		},
		Scheduler: SchedulerConfig{
			CheckInterval: DefaultCheckInterval,
			BatchLimit:    DefaultBatchLimit,
			Concurrency:   DefaultConcurrency,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
	}

	switch env {
	case EnvProduction, EnvStaging:
	case EnvDevelopment:
		cfg.Cache.Backend = "memory"
		cfg.Embedding.Provider = "hash"
		cfg.Embedding.Dimensions = DefaultHashDims
		cfg.VectorStore.Backend = "memory"
	default:
		return nil, ErrInvalidEnvironment
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Cache.Backend, "NL2SQL_CACHE_BACKEND")
	setString(&cfg.Cache.RedisAddr, "NL2SQL_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "NL2SQL_REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "NL2SQL_REDIS_DB")

	setString(&cfg.Embedding.Provider, "NL2SQL_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Model, "NL2SQL_EMBEDDING_MODEL")
	setString(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
	setInt(&cfg.Embedding.Dimensions, "NL2SQL_EMBEDDING_DIMENSIONS")

	setString(&cfg.VectorStore.Backend, "NL2SQL_VECTOR_BACKEND")
	setString(&cfg.VectorStore.QdrantHost, "NL2SQL_QDRANT_HOST")
	setInt(&cfg.VectorStore.QdrantPort, "NL2SQL_QDRANT_PORT")
	setString(&cfg.VectorStore.QdrantAPIKey, "NL2SQL_QDRANT_API_KEY")
	setString(&cfg.VectorStore.Collection, "NL2SQL_QDRANT_COLLECTION")

	setString(&cfg.Warehouse.Addr, "NL2SQL_CLICKHOUSE_ADDR")
	setString(&cfg.Warehouse.Project, "NL2SQL_WAREHOUSE_PROJECT")
	setString(&cfg.Warehouse.Database, "NL2SQL_CLICKHOUSE_DATABASE")
	setString(&cfg.Warehouse.Username, "NL2SQL_CLICKHOUSE_USERNAME")
	setString(&cfg.Warehouse.Password, "NL2SQL_CLICKHOUSE_PASSWORD")

	setString(&cfg.Postgres.DSN, "NL2SQL_POSTGRES_DSN")

	setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.LLM.Model, "NL2SQL_LLM_MODEL")
	setInt(&cfg.LLM.MaxRetries, "NL2SQL_LLM_MAX_RETRIES")

	setString(&cfg.KG.TurtlePath, "NL2SQL_KG_TURTLE_PATH")
	setString(&cfg.KG.ClientMappingPath, "NL2SQL_KG_CLIENT_MAPPING_PATH")
	setString(&cfg.KG.Client, "NL2SQL_KG_CLIENT")
	setString(&cfg.KG.Neo4jURI, "NL2SQL_NEO4J_URI")
	setString(&cfg.KG.Neo4jUser, "NL2SQL_NEO4J_USER")
	setString(&cfg.KG.Neo4jPassword, "NL2SQL_NEO4J_PASSWORD")

	setInt(&cfg.Retriever.MaxTables, "NL2SQL_MAX_TABLES")

	setDuration(&cfg.Scheduler.CheckInterval, "NL2SQL_SCHEDULER_CHECK_INTERVAL")
	setInt(&cfg.Scheduler.BatchLimit, "NL2SQL_SCHEDULER_BATCH_LIMIT")

	setString(&cfg.Notify.SlackToken, "NL2SQL_SLACK_TOKEN")
	setString(&cfg.Notify.SlackChannel, "NL2SQL_SLACK_CHANNEL")
	if v := os.Getenv("NL2SQL_KAFKA_BROKERS"); v != "" {
		cfg.Notify.KafkaBrokers = strings.Split(v, ",")
	}
	setString(&cfg.Notify.KafkaTopic, "NL2SQL_KAFKA_TOPIC")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Metrics.Addr, "NL2SQL_METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
