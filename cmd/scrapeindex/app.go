package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/ai"
	"github.com/xxxsen/scrapeindex/internal/chunker"
	"github.com/xxxsen/scrapeindex/internal/config"
	"github.com/xxxsen/scrapeindex/internal/db"
	"github.com/xxxsen/scrapeindex/internal/dispatch"
	"github.com/xxxsen/scrapeindex/internal/embedcache"
	"github.com/xxxsen/scrapeindex/internal/events"
	"github.com/xxxsen/scrapeindex/internal/extractor"
	"github.com/xxxsen/scrapeindex/internal/ingest"
	"github.com/xxxsen/scrapeindex/internal/job"
	"github.com/xxxsen/scrapeindex/internal/repo"
	"github.com/xxxsen/scrapeindex/internal/schedule"
	"github.com/xxxsen/scrapeindex/internal/service"
	"github.com/xxxsen/scrapeindex/internal/vectorindex"
)

type jobStore interface {
	ingest.JobStore
	service.JobLister
	job.StaleJobStore
}

// app holds every component wired from config. close releases them in
// reverse order of creation.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	index      vectorindex.Index
	publisher  events.Publisher
	ingest     *service.IngestService
	search     *service.SearchService
	jobs       *service.JobService
	dispatcher *dispatch.Dispatcher
	scheduler  *schedule.Scheduler
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	logger := logutil.GetLogger(ctx)

	var (
		store     jobStore
		chunks    service.ChunkLister
		durable   embedcache.DurableStore
		recorder  ai.CallRecorder
		pruners   = map[string]job.Pruner{}
		indexDeps vectorindex.Deps
	)
	if cfg.Database.Enabled() {
		conn, err := db.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		a.db = conn
		if err := db.ApplyMigrations(conn); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = repo.NewJobRepo(conn)
		chunks = repo.NewChunkRepo(conn)
		cacheRepo := repo.NewEmbeddingCacheRepo(conn)
		callRepo := repo.NewProviderCallRepo(conn)
		durable, recorder = cacheRepo, callRepo
		pruners["embedding_cache"] = cacheRepo
		pruners["provider_calls"] = callRepo
		indexDeps.DSN = cfg.Database.BuildDSN()
	} else {
		logger.Warn("no database configured, jobs are kept in memory")
		mem := ingest.NewMemoryStore()
		store, chunks = mem, mem
	}

	cache := embedcache.New(cfg.Embedding.CacheSize, time.Duration(cfg.Embedding.CacheTTLSeconds)*time.Second, durable)
	embedder, err := buildEmbedder(ctx, cfg, recorder, cache)
	if err != nil {
		return err
	}

	chatter, err := buildChatter(ctx, cfg, recorder)
	if err != nil {
		logger.Warn("chat provider unavailable, summaries disabled", zap.Error(err))
	}

	counter, err := chunker.NewTokenCounter(cfg.Chunking.Tokenizer, cfg.Chunking.CharsPerToken)
	if err != nil {
		return err
	}
	ch, err := chunker.New(chunker.Config{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap}, chunker.WithTokenCounter(counter))
	if err != nil {
		return err
	}

	a.index, err = vectorindex.Open(ctx, cfg.VectorIndex, indexDeps)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	if err := vectorindex.WaitReady(ctx, a.index, vectorindex.ConnectOptionsFromConfig(cfg.VectorIndex)); err != nil {
		return fmt.Errorf("vector index not ready: %w", err)
	}

	a.publisher, err = events.New(cfg.Events)
	if err != nil {
		return fmt.Errorf("init events: %w", err)
	}

	orch := ingest.NewOrchestrator(store, embedder, a.index, ch,
		ingest.WithCollection(cfg.VectorIndex.Collection),
		ingest.WithBatchSize(cfg.Embedding.BatchSize),
		ingest.WithPublisher(a.publisher),
	)
	a.ingest, err = service.NewIngestService(extractor.NewHTTPExtractor(cfg.Ingest.Extractor), orch, cfg.Ingest.Concurrency)
	if err != nil {
		return err
	}
	a.search = service.NewSearchService(embedder, a.index, orch.Collection(), store)
	a.jobs = service.NewJobService(store, chunks, chatter, cfg.Chat.Model, cfg.Chat.MaxInputChars)
	a.dispatcher = dispatch.New(a.ingest, a.search, a.jobs)

	a.scheduler = schedule.New()
	if len(pruners) > 0 {
		if err := a.scheduler.Add(job.NewCacheCleanupJob(pruners, cfg.Jobs.CacheMaxAgeDays), cfg.Jobs.CacheCleanupSpec); err != nil {
			return err
		}
	}
	var staleIndex vectorindex.Index
	if cfg.Jobs.ReconcileDeleteVector {
		staleIndex = a.index
	}
	reconcile := job.NewReconcileJob(store, staleIndex, orch.Collection(), cfg.Jobs.ReconcileStaleMinutes, a.publisher)
	if err := a.scheduler.Add(reconcile, cfg.Jobs.ReconcileSpec); err != nil {
		return err
	}
	return nil
}

func providerArgs(cfg *config.Config, name, model string, defaultTimeout int) ai.Args {
	p := cfg.Providers[name]
	timeout := p.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return ai.Args{
		APIKey:            p.APIKey,
		BaseURL:           p.BaseURL,
		Model:             model,
		RequestsPerSecond: p.RequestsPerSecond,
		Timeout:           time.Duration(timeout) * time.Second,
		Retry: ai.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		},
		HTTPReferer: p.HTTPReferer,
		XTitle:      p.XTitle,
	}
}

func buildEmbedder(ctx context.Context, cfg *config.Config, recorder ai.CallRecorder, cache *embedcache.Cache) (ai.Embedder, error) {
	entries := make([]ai.EmbedderEntry, 0, len(cfg.Embedding.Providers))
	for _, name := range cfg.Embedding.Providers {
		kind, err := ai.ParseKind(name)
		if err != nil {
			return nil, err
		}
		args := providerArgs(cfg, string(kind), cfg.Embedding.Model, 0)
		args.TaskType = cfg.Embedding.TaskType
		args.MaxBatchSize = cfg.Embedding.MaxBatchSize
		args.BatchParallel = cfg.Embedding.BatchParallel
		e, err := ai.NewEmbedder(ctx, kind, args)
		if err != nil {
			return nil, fmt.Errorf("init embedder %s: %w", kind, err)
		}
		entries = append(entries, ai.EmbedderEntry{Name: string(kind), Embedder: ai.WithEmbedAudit(e, recorder)})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	return embedcache.WrapGroup(entries, cache), nil
}

func buildChatter(ctx context.Context, cfg *config.Config, recorder ai.CallRecorder) (ai.Chatter, error) {
	kind, err := ai.ParseKind(cfg.Chat.Provider)
	if err != nil {
		return nil, err
	}
	c, err := ai.NewChatter(ctx, kind, providerArgs(cfg, string(kind), cfg.Chat.Model, cfg.Chat.TimeoutSeconds))
	if err != nil {
		return nil, err
	}
	return ai.WithChatAudit(c, recorder), nil
}

func (a *app) close() {
	logger := logutil.GetLogger(context.Background())
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.ingest != nil {
		a.ingest.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn("close event publisher failed", zap.Error(err))
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			logger.Warn("close vector index failed", zap.Error(err))
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
