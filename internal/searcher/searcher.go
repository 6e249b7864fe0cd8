package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/reranker"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/internal/vectorindex"
	"github.com/dshills/coderag/pkg/types"
)

const (
	DefaultTopK       = 10
	DefaultRerankTopN = 50
	MaxTopK           = 100
	DefaultCacheSize  = 256
	DefaultCacheTTL   = 5 * time.Minute

	// Extra candidates fetched per requested one when results are limited
	// to a single repository, since other repositories' hits are discarded.
	filterOverfetch = 4
)

// Config contains configuration for the searcher
type Config struct {
	TopK       int           // Default result count (default: 10)
	RerankTopN int           // Default candidate count (default: 50)
	CacheSize  int           // Cached responses; negative disables the cache (default: 256)
	CacheTTL   time.Duration // Lifetime of a cached response (default: 5m)
}

// Request contains parameters for a search operation
type Request struct {
	Query      string
	TopK       int    // Results to return; 0 uses the configured default
	RerankTopN int    // Candidates to rerank; clamped up to TopK
	Repository string // Optional repository path; empty searches every repository
	UseCache   bool
}

// Response contains search results and metadata
type Response struct {
	Results    []types.SearchResult
	Candidates int // Hits returned by the vector index
	Dropped    int // Hits with no matching chunk
	Duration   time.Duration
	CacheHit   bool
}

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Searcher answers queries in two stages: vector similarity selects a
// candidate set, then the reranker orders it.
type Searcher struct {
	storage  storage.Storage
	vectors  vectorindex.Index
	embedder embedder.Embedder
	reranker reranker.Reranker
	config   Config
	logger   *slog.Logger

	cache   *lru.Cache[[32]byte, *cacheEntry]
	cacheMu sync.RWMutex
}

// New creates a searcher. The embedder must produce vectors of the index's
// dimension.
func New(store storage.Storage, vectors vectorindex.Index, emb embedder.Embedder,
	rr reranker.Reranker, config Config, logger *slog.Logger) (*Searcher, error) {

	if store == nil || vectors == nil || emb == nil {
		return nil, errors.New("searcher requires storage, vector index and embedder")
	}
	if emb.Dimension() != vectors.Dimensions() {
		return nil, fmt.Errorf("embedder dimension %d does not match vector index dimension %d",
			emb.Dimension(), vectors.Dimensions())
	}
	if rr == nil {
		rr = reranker.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if config.TopK <= 0 {
		config.TopK = DefaultTopK
	}
	if config.RerankTopN <= 0 {
		config.RerankTopN = DefaultRerankTopN
	}
	if config.CacheSize == 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	s := &Searcher{
		storage:  store,
		vectors:  vectors,
		embedder: emb,
		reranker: rr,
		config:   config,
		logger:   logger,
	}

	if config.CacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create query cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// Search returns up to TopK chunks ordered by descending rerank score.
// Equal scores keep their similarity order. An empty index yields an empty
// result. Embedding or reranking failures fail the query with an
// ErrModelServiceFailure StageError.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	if req.UseCache {
		if cached := s.checkCache(req); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	response, err := s.search(ctx, req)
	if err != nil {
		return nil, err
	}
	response.Duration = time.Since(startTime)

	if req.UseCache {
		s.storeInCache(req, response)
	}

	return response, nil
}

func (s *Searcher) search(ctx context.Context, req Request) (*Response, error) {
	var repoID int64
	if req.Repository != "" {
		repo, err := s.storage.GetRepository(ctx, req.Repository)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown repository %s", types.ErrInvalidRequest, req.Repository)
		}
		if err != nil {
			return nil, s.queryError(types.ErrStoreFailure, types.StageQuery, err)
		}
		repoID = repo.ID
	}

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Query})
	if err != nil {
		return nil, s.queryError(types.ErrModelServiceFailure, types.StageQuery, err)
	}

	fetch := req.RerankTopN
	if repoID != 0 {
		fetch *= filterOverfetch
	}
	hits, err := s.vectors.QueryTopK(ctx, emb.Vector, fetch)
	if err != nil {
		return nil, s.queryError(types.ErrStoreFailure, types.StageQuery, err)
	}

	response := &Response{Candidates: len(hits), Results: []types.SearchResult{}}
	candidates, dropped, err := s.resolve(ctx, hits, repoID, req.RerankTopN)
	if err != nil {
		return nil, err
	}
	response.Dropped = dropped
	if len(candidates) == 0 {
		return response, nil
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = types.DocumentText(c.Signature, c.Content)
	}
	scores, err := reranker.ScoreAll(ctx, s.reranker, req.Query, documents)
	if err != nil {
		return nil, s.queryError(types.ErrModelServiceFailure, types.StageRerank, err)
	}
	for i := range candidates {
		candidates[i].Score = scores[i]
	}

	// Candidates are in similarity order, so a stable sort keeps it for ties
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > req.TopK {
		candidates = candidates[:req.TopK]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}

	response.Results = candidates
	return response, nil
}

// resolve maps hits back to chunks with their file and repository, in hit
// order. Ids with no chunk are stale vectors left by an interrupted delete;
// they are dropped and logged.
func (s *Searcher) resolve(ctx context.Context, hits []vectorindex.Hit, repoID int64, limit int) ([]types.SearchResult, int, error) {
	files := make(map[int64]*storage.File)
	repos := make(map[int64]*storage.Repository)
	seen := make(map[int64]bool, len(hits))

	results := make([]types.SearchResult, 0, len(hits))
	dropped := 0

	for i, hit := range hits {
		if len(results) >= limit {
			break
		}

		chunk, err := s.storage.GetChunkByEmbeddingID(ctx, hit.ID)
		if errors.Is(err, storage.ErrNotFound) {
			dropped++
			s.logger.Warn("dropping stale vector",
				slog.String("embedding_id", hit.ID),
				slog.String("stage", string(types.StageQuery)),
				slog.String("error", types.ErrStoreInconsistency.Error()))
			continue
		}
		if err != nil {
			return nil, 0, s.queryError(types.ErrStoreFailure, types.StageQuery, err)
		}
		if seen[chunk.ID] || (repoID != 0 && chunk.RepositoryID != repoID) {
			continue
		}

		file, ok := files[chunk.FileID]
		if !ok {
			file, err = s.storage.GetFileByID(ctx, chunk.FileID)
			if err != nil {
				return nil, 0, s.queryError(types.ErrStoreFailure, types.StageQuery, err)
			}
			files[chunk.FileID] = file
		}
		if !file.IsActive {
			continue
		}

		repo, ok := repos[file.RepositoryID]
		if !ok {
			repo, err = s.storage.GetRepositoryByID(ctx, file.RepositoryID)
			if err != nil {
				return nil, 0, s.queryError(types.ErrStoreFailure, types.StageQuery, err)
			}
			repos[file.RepositoryID] = repo
		}

		seen[chunk.ID] = true
		results = append(results, types.SearchResult{
			ChunkID:         chunk.ID,
			EmbeddingID:     chunk.EmbeddingID,
			SimilarityScore: hit.Score,
			SimilarityRank:  i + 1,
			ChunkType:       chunk.ChunkType,
			Name:            chunk.Name,
			Signature:       chunk.Signature,
			StartLine:       chunk.StartLine,
			EndLine:         chunk.EndLine,
			Content:         chunk.Content,
			File: types.FileInfo{
				ID:       file.ID,
				Name:     file.Name,
				Path:     file.Path,
				Language: file.Language,
			},
			Repository: types.RepositoryInfo{
				ID:   repo.ID,
				Name: repo.Name,
				Path: repo.Path,
			},
		})
	}

	return results, dropped, nil
}

func (s *Searcher) queryError(kind error, stage types.Stage, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.NewStageError(kind, stage, "", "", err)
}

// validateRequest applies defaults and clamps RerankTopN up to TopK
func (s *Searcher) validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", types.ErrInvalidRequest)
	}

	if req.TopK < 0 || req.RerankTopN < 0 {
		return fmt.Errorf("%w: result counts must not be negative", types.ErrInvalidRequest)
	}
	if req.TopK == 0 {
		req.TopK = s.config.TopK
	}
	if req.TopK > MaxTopK {
		req.TopK = MaxTopK
	}

	if req.RerankTopN == 0 {
		req.RerankTopN = s.config.RerankTopN
	}
	if req.RerankTopN < req.TopK {
		req.RerankTopN = req.TopK
	}

	return nil
}

// checkCache returns a copy of a live cached response, or nil
func (s *Searcher) checkCache(req Request) *Response {
	if s.cache == nil {
		return nil
	}
	hash := computeQueryHash(req)

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.RUnlock()

		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil
	}
	response := copyResponse(entry.response)
	s.cacheMu.RUnlock()

	return response
}

func (s *Searcher) storeInCache(req Request, response *Response) {
	if s.cache == nil {
		return
	}
	entry := &cacheEntry{
		response:  copyResponse(response),
		expiresAt: time.Now().Add(s.config.CacheTTL),
	}

	s.cacheMu.Lock()
	s.cache.Add(computeQueryHash(req), entry)
	s.cacheMu.Unlock()
}

// InvalidateCache drops every cached response. Call it after a sync that
// changed chunks.
func (s *Searcher) InvalidateCache() {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen returns the number of cached responses
func (s *Searcher) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// copyResponse creates a copy that shares nothing mutable with src
func copyResponse(src *Response) *Response {
	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	copy(dst.Results, src.Results)
	return &dst
}

// computeQueryHash keys the cache on every field that changes the answer
func computeQueryHash(req Request) [32]byte {
	key := fmt.Sprintf("%s\x00%d\x00%d\x00%s", req.Query, req.TopK, req.RerankTopN, req.Repository)
	return sha256.Sum256([]byte(key))
}
