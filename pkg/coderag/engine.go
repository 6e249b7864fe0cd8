// Package coderag wires the metadata store, vector index, model services,
// indexer, searcher and scheduler into one Engine built from a Config.
package coderag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/extractor"
	"github.com/dshills/coderag/internal/indexer"
	"github.com/dshills/coderag/internal/logging"
	"github.com/dshills/coderag/internal/reranker"
	"github.com/dshills/coderag/internal/scheduler"
	"github.com/dshills/coderag/internal/searcher"
	"github.com/dshills/coderag/internal/source"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/internal/vectorindex"
	"github.com/dshills/coderag/pkg/types"
)

// Engine indexes repositories and answers queries over them
type Engine struct {
	config *config.Config
	logger *slog.Logger

	store     *storage.SQLiteStorage
	vectors   vectorindex.Index
	embedder  embedder.Embedder
	reranker  reranker.Reranker
	indexer   *indexer.Indexer
	searcher  *searcher.Searcher
	scheduler *scheduler.Scheduler

	closeLog  func()
	closeOnce sync.Once
	closeErr  error
}

// Open loads the configuration file at path (empty uses defaults and
// CODERAG_* variables), builds the configured logger and creates an Engine.
func Open(path string, ext extractor.Extractor) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	e, err := New(cfg, ext, logger)
	if err != nil {
		closeLog()
		return nil, err
	}
	e.closeLog = closeLog
	return e, nil
}

// New opens the stores named by cfg and registers cfg.Repositories.
// ext turns file content into fragments; a nil logger uses slog.Default.
func New(cfg *config.Config, ext extractor.Extractor, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if ext == nil {
		return nil, errors.New("extractor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	emb, err := embedder.New(embedderConfig(cfg.Embedding))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	e.embedder = emb

	rr, err := reranker.New(cfg.Reranking.Provider, rerankerConfig(cfg.Reranking), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}
	e.reranker = rr

	if err := ensureDir(cfg.Storage.MetadataPath); err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	e.store = store

	vectors, err := openVectorIndex(cfg.Storage, emb.Dimension(), logger)
	if err != nil {
		return nil, err
	}
	e.vectors = vectors

	e.indexer, err = indexer.New(store, vectors, emb, ext, indexer.Config{
		Workers:        cfg.Indexer.Workers,
		EmbedBatchSize: cfg.Indexer.EmbedBatchSize,
		SoftDelete:     cfg.Indexer.SoftDelete,
		CompactRatio:   cfg.Indexer.CompactRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	e.searcher, err = searcher.New(store, vectors, emb, rr, searcher.Config{
		TopK:       cfg.Search.TopK,
		RerankTopN: cfg.Search.RerankTopN,
		CacheSize:  cfg.Search.CacheSize,
		CacheTTL:   cfg.Search.CacheTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create searcher: %w", err)
	}

	e.scheduler = scheduler.New(e.indexer, scheduler.Config{
		Interval:       cfg.Schedule.Interval,
		Watch:          cfg.Schedule.Watch,
		Debounce:       cfg.Schedule.Debounce,
		IgnoredFolders: cfg.Source.IgnoredFolders,
		OnSync: func(location string, stats *indexer.Statistics, err error) {
			if stats != nil && !stats.UpToDate {
				e.searcher.InvalidateCache()
			}
		},
	}, logger)

	for _, repo := range cfg.Repositories {
		if _, err := e.AddRepository(repo); err != nil {
			return nil, err
		}
	}

	ok = true
	return e, nil
}

func embedderConfig(c config.EmbeddingConfig) embedder.Config {
	retry := embedder.DefaultRetryConfig()
	retry.MaxRetries = c.MaxRetries
	return embedder.Config{
		Provider:          c.Provider,
		Endpoint:          c.Endpoint,
		APIKey:            c.APIKey,
		Model:             c.Model,
		Dimension:         c.Dimension,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		MaxBatchSize:      c.MaxBatchSize,
		Retry:             retry,
		CacheSize:         c.CacheSize,
	}
}

func rerankerConfig(c config.RerankingConfig) reranker.HTTPConfig {
	retry := embedder.DefaultRetryConfig()
	retry.MaxRetries = c.MaxRetries
	return reranker.HTTPConfig{
		Endpoint:          c.Endpoint,
		APIKey:            c.APIKey,
		Model:             c.Model,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Retry:             retry,
	}
}

func openVectorIndex(c config.StorageConfig, dimensions int, logger *slog.Logger) (vectorindex.Index, error) {
	if err := ensureDir(c.VectorPath); err != nil {
		return nil, err
	}
	switch strings.ToLower(c.VectorBackend) {
	case "sqlite":
		idx, err := vectorindex.NewSQLite(c.VectorPath, dimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector index: %w", err)
		}
		return idx, nil
	default:
		idx, err := vectorindex.NewHNSW(vectorindex.HNSWConfig{
			Dimensions: dimensions,
			Path:       c.VectorPath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector index: %w", err)
		}
		return idx, nil
	}
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Provider builds the source for one configured repository
func (e *Engine) Provider(repo config.RepositoryConfig) (source.Provider, error) {
	filter := source.Filter{
		IgnoredFolders:    e.config.Source.IgnoredFolders,
		IgnoredFiles:      e.config.Source.IgnoredFiles,
		AllowedExtensions: e.config.Source.AllowedExtensions,
		MaxFileSize:       e.config.Source.MaxFileSize,
	}

	loader := repo.Loader
	if loader == "" {
		loader = e.config.Source.Loader
	}

	switch strings.ToLower(loader) {
	case "gitlab":
		gl := e.config.Source.GitLab
		provider, err := source.NewGitLab(source.GitLabConfig{
			ProjectURL:        repo.Location,
			Branch:            repo.Branch,
			Token:             gl.Token,
			Timeout:           gl.Timeout,
			RequestsPerSecond: gl.RequestsPerSecond,
		}, filter, e.logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case "local", "":
		provider, err := source.NewLocal(repo.Location, filter, e.logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown loader %q", loader)
	}
}

// AddRepository registers a repository for syncing and returns its
// location, the key every other Engine method takes.
func (e *Engine) AddRepository(repo config.RepositoryConfig) (string, error) {
	provider, err := e.Provider(repo)
	if err != nil {
		return "", fmt.Errorf("repository %s: %w", repo.Location, err)
	}
	e.scheduler.Register(provider)
	return provider.Location(), nil
}

// Repositories lists registered repository locations
func (e *Engine) Repositories() []string {
	return e.scheduler.Locations()
}

// Sync brings one registered repository up to date
func (e *Engine) Sync(ctx context.Context, location string) (*indexer.Statistics, error) {
	stats, err := e.scheduler.SyncNow(ctx, location)
	if stats != nil && !stats.UpToDate {
		e.searcher.InvalidateCache()
	}
	return stats, err
}

// SyncAll syncs every registered repository, several at a time, in
// sorted location order. One repository failing does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) ([]*indexer.Statistics, error) {
	results, err := e.indexer.SyncAll(ctx, e.scheduler.Providers())

	all := make([]*indexer.Statistics, 0, len(results))
	changed := false
	for _, stats := range results {
		if stats == nil {
			continue
		}
		all = append(all, stats)
		if !stats.UpToDate {
			changed = true
		}
	}
	if changed {
		e.searcher.InvalidateCache()
	}
	return all, err
}

// Search runs a query with the configured defaults
func (e *Engine) Search(ctx context.Context, query string, topK, rerankTopN int) ([]types.SearchResult, error) {
	resp, err := e.searcher.Search(ctx, searcher.Request{
		Query:      query,
		TopK:       topK,
		RerankTopN: rerankTopN,
		UseCache:   true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SearchRequest runs a query with full control over the request
func (e *Engine) SearchRequest(ctx context.Context, req searcher.Request) (*searcher.Response, error) {
	return e.searcher.Search(ctx, req)
}

// DeleteRepository removes a repository's metadata and vectors and stops
// syncing it.
func (e *Engine) DeleteRepository(ctx context.Context, location string) error {
	e.scheduler.Unregister(location)
	if err := e.indexer.DeleteRepository(ctx, location); err != nil {
		return err
	}
	e.searcher.InvalidateCache()
	return nil
}

// Status reports file and chunk counts for one repository
func (e *Engine) Status(ctx context.Context, location string) (*storage.RepositoryStatus, error) {
	return e.indexer.Status(ctx, location)
}

// CheckConsistency compares the metadata store with the vector index
func (e *Engine) CheckConsistency(ctx context.Context) (*indexer.ConsistencyReport, error) {
	return e.indexer.CheckConsistency(ctx)
}

// Repair removes orphaned vectors and re-queues chunks whose vector is missing
func (e *Engine) Repair(ctx context.Context) (*indexer.ConsistencyReport, error) {
	report, err := e.indexer.Repair(ctx)
	if err == nil && !report.Consistent() {
		e.searcher.InvalidateCache()
	}
	return report, err
}

// Run keeps registered repositories synced until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	return e.scheduler.Run(ctx)
}

// Close releases every store and model client. It is safe to call more
// than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.vectors != nil {
			if err := e.vectors.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close vector index: %w", err))
			}
		}
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close metadata store: %w", err))
			}
		}
		if e.reranker != nil {
			if err := e.reranker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close reranker: %w", err))
			}
		}
		if e.embedder != nil {
			if err := e.embedder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close embedder: %w", err))
			}
		}
		if e.closeLog != nil {
			e.closeLog()
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
