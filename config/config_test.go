package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/malbeclabs/nl2sql/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ForEnv(t *testing.T) {
	tests := []struct {
		env          string
		cacheBackend string
		vecBackend   string
		wantErr      error
	}{
		{env: config.EnvProduction, cacheBackend: "redis", vecBackend: "qdrant"},
		{env: config.EnvStaging, cacheBackend: "redis", vecBackend: "qdrant"},
		{env: config.EnvDevelopment, cacheBackend: "memory", vecBackend: "memory"},
		{env: "invalid", wantErr: config.ErrInvalidEnvironment},
	}

	for _, test := range tests {
		t.Run(test.env, func(t *testing.T) {
			cfg, err := config.ForEnv(test.env)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.cacheBackend, cfg.Cache.Backend)
			assert.Equal(t, test.vecBackend, cfg.VectorStore.Backend)
			assert.Equal(t, config.DefaultLLMMaxRetries, cfg.LLM.MaxRetries)
			assert.Equal(t, time.Second, cfg.LLM.RetryBaseInterval)
		})
	}
}

func TestConfig_Load_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nl2sql.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
retriever:
  max_tables: 3
scheduler:
  check_interval: 30s
  batch_limit: 7
`), 0o644))

	t.Setenv(config.EnvVar, config.EnvDevelopment)
	t.Setenv("NL2SQL_SCHEDULER_BATCH_LIMIT", "9")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Retriever.MaxTables)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.CheckInterval)
	assert.Equal(t, 9, cfg.Scheduler.BatchLimit)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*config.Config) {}},
		{
			name:    "redis without addr",
			mutate:  func(c *config.Config) { c.Cache.Backend = "redis"; c.Cache.RedisAddr = "" },
			wantErr: "redis_addr is required",
		},
		{
			name:    "openai without key",
			mutate:  func(c *config.Config) { c.Embedding.Provider = "openai" },
			wantErr: "api_key is required",
		},
		{
			name:    "pgvector without dsn",
			mutate:  func(c *config.Config) { c.VectorStore.Backend = "pgvector" },
			wantErr: "postgres.dsn is required",
		},
		{
			name:    "kafka without topic",
			mutate:  func(c *config.Config) { c.Notify.KafkaBrokers = []string{"localhost:9092"} },
			wantErr: "kafka_topic is required",
		},
		{
			name:    "zero max tables",
			mutate:  func(c *config.Config) { c.Retriever.MaxTables = 0 },
			wantErr: "max_tables",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := config.ForEnv(config.EnvDevelopment)
			require.NoError(t, err)
			test.mutate(cfg)
			err = cfg.Validate()
			if test.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.wantErr)
		})
	}
}
