package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/nl2sql/config"
	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/dialect"
	"github.com/malbeclabs/nl2sql/pkg/embedding"
	"github.com/malbeclabs/nl2sql/pkg/executor"
	"github.com/malbeclabs/nl2sql/pkg/finance"
	"github.com/malbeclabs/nl2sql/pkg/kg"
	"github.com/malbeclabs/nl2sql/pkg/llm"
	"github.com/malbeclabs/nl2sql/pkg/pipeline"
	"github.com/malbeclabs/nl2sql/pkg/proactive"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore/clickhouse"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore/postgres"
	"github.com/malbeclabs/nl2sql/pkg/suggest"
	"github.com/malbeclabs/nl2sql/pkg/validator"
	"github.com/malbeclabs/nl2sql/pkg/vectorstore"
)

// warehouse is a data store that can also describe its tables.
type warehouse interface {
	sqlstore.Store
	schema.Source
}

// app holds every component built from the configuration. Commands use the
// parts they need; close releases them in reverse order.
type app struct {
	log   *slog.Logger
	cfg   *config.Config
	clock clockwork.Clock

	pool      *pgxpool.Pool
	warehouse warehouse
	cache     *cache.Store
	indexer   *schema.Indexer
	retriever *retriever.Retriever
	rewriter  *dialect.Rewriter
	validator *validator.Validator
	executor  *executor.Executor
	prompts   *prompt.Builder
	completer *llm.Completer
	resolver  *kg.Resolver
	pipeline  *pipeline.Pipeline
	agents    *proactive.Service
	scheduler *proactive.Scheduler

	closers []func()
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires the full stack. Call close on the result even when an error
// is returned.
func newApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*app, error) {
	a := &app{log: log, cfg: cfg, clock: clockwork.NewRealClock()}

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			Logger:   log,
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			return a, err
		}
		a.pool = pool
		a.onClose(pool.Close)
	}

	if err := a.initCache(ctx); err != nil {
		return a, err
	}
	if err := a.initWarehouse(ctx); err != nil {
		return a, err
	}
	if err := a.initRetrieval(ctx); err != nil {
		return a, err
	}
	if err := a.initGeneration(ctx); err != nil {
		return a, err
	}
	if err := a.initAgents(ctx); err != nil {
		return a, err
	}
	return a, nil
}

func (a *app) initCache(ctx context.Context) error {
	var backend cache.Backend
	switch a.cfg.Cache.Backend {
	case "redis":
		rb, err := cache.NewRedisBackend(ctx, cache.RedisConfig{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
		})
		if err != nil {
			// The pipeline runs uncached rather than failing outright.
			a.log.Warn("cache: redis unavailable, using in-process cache", "error", err)
			backend = cache.NewMemoryBackend()
		} else {
			backend = rb
		}
	default:
		backend = cache.NewMemoryBackend()
	}
	store, err := cache.New(cache.Config{Logger: a.log, Backend: backend, Clock: a.clock})
	if err != nil {
		_ = backend.Close()
		return err
	}
	a.cache = store
	a.onClose(func() { _ = store.Close() })
	return nil
}

func (a *app) initWarehouse(ctx context.Context) error {
	switch {
	case a.cfg.Warehouse.Addr != "":
		c, err := clickhouse.NewClient(ctx, clickhouse.Config{
			Logger:           a.log,
			Addr:             a.cfg.Warehouse.Addr,
			Project:          a.cfg.Warehouse.Project,
			Database:         a.cfg.Warehouse.Database,
			Username:         a.cfg.Warehouse.Username,
			Password:         a.cfg.Warehouse.Password,
			MaxExecutionTime: a.cfg.Postgres.StatementTimeout,
		})
		if err != nil {
			return err
		}
		a.warehouse = c
		a.onClose(func() { _ = c.Close() })
	case a.pool != nil:
		s, err := postgres.NewStore(postgres.StoreConfig{
			Logger:           a.log,
			Pool:             a.pool,
			Clock:            a.clock,
			Project:          a.cfg.Warehouse.Project,
			StatementTimeout: a.cfg.Postgres.StatementTimeout,
		})
		if err != nil {
			return err
		}
		a.warehouse = s
	default:
		return errors.New("no warehouse configured: set warehouse.addr or postgres.dsn")
	}

	a.rewriter = dialect.New(dialect.Config{})
	v, err := validator.New(validator.Config{Logger: a.log, Store: a.warehouse, Cache: a.cache})
	if err != nil {
		return err
	}
	a.validator = v
	return nil
}

func (a *app) initRetrieval(ctx context.Context) error {
	var provider embedding.Provider
	switch a.cfg.Embedding.Provider {
	case "openai":
		provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     a.cfg.Embedding.APIKey,
			Model:      a.cfg.Embedding.Model,
			BaseURL:    a.cfg.Embedding.BaseURL,
			Dimensions: a.cfg.Embedding.Dimensions,
			Timeout:    a.cfg.Embedding.Timeout,
		})
	default:
		provider = embedding.NewHashProvider(a.cfg.Embedding.Dimensions)
	}
	cached, err := embedding.NewCachedProvider(embedding.CachedConfig{Logger: a.log, Provider: provider, Cache: a.cache})
	if err != nil {
		return err
	}
	a.onClose(cached.Close)

	var vectors vectorstore.Store
	switch a.cfg.VectorStore.Backend {
	case "qdrant":
		q, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Logger:     a.log,
			Host:       a.cfg.VectorStore.QdrantHost,
			Port:       a.cfg.VectorStore.QdrantPort,
			APIKey:     a.cfg.VectorStore.QdrantAPIKey,
			UseTLS:     a.cfg.VectorStore.QdrantTLS,
			Collection: a.cfg.VectorStore.Collection,
		})
		if err != nil {
			return err
		}
		vectors = q
	case "pgvector":
		if a.pool == nil {
			return errors.New("pgvector backend requires postgres.dsn")
		}
		pv, err := vectorstore.NewPGVectorStore(a.pool)
		if err != nil {
			return err
		}
		vectors = pv
	default:
		vectors = vectorstore.NewMemoryStore()
	}
	a.onClose(func() { _ = vectors.Close() })

	ix, err := schema.NewIndexer(schema.IndexerConfig{
		Logger:   a.log,
		Source:   a.warehouse,
		Embedder: cached,
		Vectors:  vectors,
		Cache:    a.cache,
		Clock:    a.clock,
	})
	if err != nil {
		return err
	}
	a.indexer = ix

	r, err := retriever.New(retriever.Config{
		Logger:    a.log,
		Embedder:  cached,
		Vectors:   vectors,
		Indexer:   ix,
		Joins:     retriever.DefaultRegistry(),
		MaxTables: a.cfg.Retriever.MaxTables,
	})
	if err != nil {
		return err
	}
	a.retriever = r
	return nil
}

func (a *app) initGeneration(ctx context.Context) error {
	prompts, err := prompt.New(prompt.Config{Logger: a.log})
	if err != nil {
		return err
	}
	a.prompts = prompts

	if a.cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(a.cfg.LLM.APIKey), option.WithMaxRetries(0))
	completer, err := llm.New(llm.Config{
		Logger:            a.log,
		Messages:          &client.Messages,
		Model:             anthropic.Model(a.cfg.LLM.Model),
		MaxTokens:         a.cfg.LLM.MaxTokens,
		MaxRetries:        uint(a.cfg.LLM.MaxRetries),
		RetryBaseInterval: a.cfg.LLM.RetryBaseInterval,
	})
	if err != nil {
		return err
	}
	a.completer = completer

	hierarchy := finance.DefaultHierarchy()
	kgCfg := kg.Config{
		Logger:            a.log,
		TurtlePath:        a.cfg.KG.TurtlePath,
		ClientMappingPath: a.cfg.KG.ClientMappingPath,
		Client:            a.cfg.KG.Client,
		Backend:           a.cache.Backend(),
		Fallback:          hierarchy,
		Clock:             a.clock,
	}
	if a.cfg.KG.Neo4jURI != "" {
		sink, err := kg.NewNeo4jSink(ctx, kg.Neo4jConfig{
			Logger:   a.log,
			URI:      a.cfg.KG.Neo4jURI,
			Username: a.cfg.KG.Neo4jUser,
			Password: a.cfg.KG.Neo4jPassword,
		})
		if err != nil {
			a.log.Warn("kg: neo4j unavailable, graph will not be mirrored", "error", err)
		} else {
			kgCfg.Sink = sink
			a.onClose(func() { _ = sink.Close(context.Background()) })
		}
	}
	resolver, err := kg.NewResolver(kgCfg)
	if err != nil {
		return err
	}
	a.resolver = resolver

	exec, err := executor.New(executor.Config{
		Logger:    a.log,
		Store:     a.warehouse,
		Validator: a.validator,
		Rewriter:  a.rewriter,
		Corrector: completer,
		Cache:     a.cache,
	})
	if err != nil {
		return err
	}
	a.executor = exec

	sugg, err := suggest.New(suggest.Config{Logger: a.log, Cache: a.cache})
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:    a.log,
		Retriever: a.retriever,
		Parser:    finance.NewParser(hierarchy, a.clock),
		Resolver:  resolver,
		Prompts:   prompts,
		Generator: completer,
		Rewriter:  a.rewriter,
		Validator: a.validator,
		Executor:  exec,
		Suggest:   sugg,
		Cache:     a.cache,
	})
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

func (a *app) initAgents(ctx context.Context) error {
	var store proactive.Store
	if a.pool != nil {
		pg, err := proactive.NewPGStore(ctx, proactive.PGStoreConfig{Logger: a.log, Pool: a.pool})
		if err != nil {
			return err
		}
		store = pg
	} else {
		a.log.Warn("proactive: postgres.dsn not set, agents are kept in memory only")
		store = proactive.NewMemoryStore()
	}

	notifiers := proactive.MultiNotifier{proactive.LogNotifier{Logger: a.log}}
	if a.cfg.Notify.SlackToken != "" && a.cfg.Notify.SlackChannel != "" {
		notifiers = append(notifiers, &proactive.SlackNotifier{
			Client:  slack.New(a.cfg.Notify.SlackToken),
			Channel: a.cfg.Notify.SlackChannel,
		})
	}
	if len(a.cfg.Notify.KafkaBrokers) > 0 {
		kc, err := kgo.NewClient(kgo.SeedBrokers(a.cfg.Notify.KafkaBrokers...))
		if err != nil {
			return fmt.Errorf("failed to create kafka client: %w", err)
		}
		a.onClose(kc.Close)
		notifiers = append(notifiers, &proactive.KafkaNotifier{Client: kc, Topic: a.cfg.Notify.KafkaTopic})
	}

	// Scheduled runs must see current data, so their executor skips the
	// result cache.
	runner, err := executor.New(executor.Config{
		Logger:    a.log,
		Store:     a.warehouse,
		Validator: a.validator,
		Rewriter:  a.rewriter,
		Corrector: a.completer,
	})
	if err != nil {
		return err
	}

	sched, err := proactive.NewScheduler(proactive.SchedulerConfig{
		Logger:        a.log,
		Store:         store,
		Runner:        runner,
		Notifier:      notifiers,
		Retriever:     a.retriever,
		Clock:         a.clock,
		CheckInterval: a.cfg.Scheduler.CheckInterval,
		BatchSize:     a.cfg.Scheduler.BatchLimit,
		Concurrency:   a.cfg.Scheduler.Concurrency,
	})
	if err != nil {
		return err
	}
	a.scheduler = sched

	svc, err := proactive.NewService(proactive.ServiceConfig{
		Logger:    a.log,
		Store:     store,
		Asker:     a.pipeline,
		Scheduler: sched,
		Validator: a.validator,
		Rewriter:  a.rewriter,
		Refiner:   a.completer,
		Prompts:   a.prompts,
		Clock:     a.clock,
	})
	if err != nil {
		return err
	}
	a.agents = svc
	return nil
}
