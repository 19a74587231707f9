package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"

	EnvVar = "NL2SQL_ENV"
)

var (
	ErrInvalidEnvironment = fmt.Errorf("invalid environment")
)

type Config struct {
	Env         string            `yaml:"env"`
	Cache       CacheConfig       `yaml:"cache"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Warehouse   WarehouseConfig   `yaml:"warehouse"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	LLM         LLMConfig         `yaml:"llm"`
	KG          KGConfig          `yaml:"kg"`
	Retriever   RetrieverConfig   `yaml:"retriever"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Notify      NotifyConfig      `yaml:"notify"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type CacheConfig struct {
	// Backend is "redis" or "memory".
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type EmbeddingConfig struct {
	// Provider is "openai" or "hash".
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

type VectorStoreConfig struct {
	// Backend is "qdrant", "pgvector" or "memory".
	Backend      string `yaml:"backend"`
	QdrantHost   string `yaml:"qdrant_host"`
	QdrantPort   int    `yaml:"qdrant_port"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	QdrantTLS    bool   `yaml:"qdrant_tls"`
	Collection   string `yaml:"collection"`
}

type WarehouseConfig struct {
	Addr     string `yaml:"addr"`
	Project  string `yaml:"project"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type PostgresConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

type LLMConfig struct {
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	MaxTokens         int64         `yaml:"max_tokens"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseInterval time.Duration `yaml:"retry_base_interval"`
}

type KGConfig struct {
	TurtlePath        string `yaml:"turtle_path"`
	ClientMappingPath string `yaml:"client_mapping_path"`
	Client            string `yaml:"client"`
	Neo4jURI          string `yaml:"neo4j_uri"`
	Neo4jUser         string `yaml:"neo4j_user"`
	Neo4jPassword     string `yaml:"neo4j_password"`
}

type RetrieverConfig struct {
	MaxTables int `yaml:"max_tables"`
}

type SchedulerConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	BatchLimit    int           `yaml:"batch_limit"`
	Concurrency   int           `yaml:"concurrency"`
}

type NotifyConfig struct {
	SlackToken   string   `yaml:"slack_token"`
	SlackChannel string   `yaml:"slack_channel"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load resolves configuration from defaults for the environment, an optional
// YAML file, an optional .env file and NL2SQL_* environment variables, in
// that order.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	env := os.Getenv(EnvVar)
	if env == "" {
		env = EnvDevelopment
	}
	cfg, err := ForEnv(env)
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Env {
	case EnvProduction, EnvStaging, EnvDevelopment:
	default:
		return ErrInvalidEnvironment
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Embedding.Provider {
	case "hash":
	case "openai":
		if c.Embedding.APIKey == "" {
			return errors.New("embedding.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding.dimensions must be greater than 0")
	}
	switch c.VectorStore.Backend {
	case "memory":
	case "qdrant":
		if c.VectorStore.QdrantHost == "" {
			return errors.New("vector_store.qdrant_host is required for the qdrant backend")
		}
	case "pgvector":
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the pgvector backend")
		}
	default:
		return fmt.Errorf("unknown vector store backend %q", c.VectorStore.Backend)
	}
	if c.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must not be negative")
	}
	if c.Retriever.MaxTables <= 0 {
		return errors.New("retriever.max_tables must be greater than 0")
	}
	if c.Scheduler.CheckInterval <= 0 {
		return errors.New("scheduler.check_interval must be greater than 0")
	}
	if c.Scheduler.BatchLimit <= 0 {
		return errors.New("scheduler.batch_limit must be greater than 0")
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		return errors.New("notify.kafka_topic is required when kafka brokers are set")
	}
	return nil
}
